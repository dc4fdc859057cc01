package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"slide-guide/internal/llmjson"
	"slide-guide/internal/logger"
	"slide-guide/internal/questions"
	"slide-guide/internal/render"
	"slide-guide/internal/services"
	"slide-guide/internal/workspace"
)

const (
	maxMultipartMemory = 8 << 20 // 8 MB
	sessionCookie      = "sg_session"
)

type Server struct {
	mux       *http.ServeMux
	guides    *services.GuideService
	usage     *services.UsageLedger
	history   *services.HistoryService
	progress  *ProgressBoard
	log       *logger.Logger
	maxUpload int64
}

func NewServer(
	guides *services.GuideService,
	usage *services.UsageLedger,
	history *services.HistoryService,
	log *logger.Logger,
	maxUpload int64,
) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		mux:       http.NewServeMux(),
		guides:    guides,
		usage:     usage,
		history:   history,
		progress:  NewProgressBoard(),
		log:       log,
		maxUpload: maxUpload,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/guide", s.handleGuide)
	s.mux.HandleFunc("/api/guide/progress", s.handleProgress)
	s.mux.HandleFunc("/api/guide/preview", s.handlePreview)
	s.mux.HandleFunc("/api/guide/slides/", s.handleSlideActions)
	s.mux.HandleFunc("/api/guide/selection", s.handleSelection)
	s.mux.HandleFunc("/api/guide/answers", s.handleTeacherAnswers)
	s.mux.HandleFunc("/api/session", s.handleSession)
	s.mux.HandleFunc("/api/cache/clear", s.handleClearCache)
	s.mux.HandleFunc("/api/history", s.handleHistory)
	s.mux.HandleFunc("/api/usage", s.handleUsage)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetGuide(w, r)
	case http.MethodPost:
		s.handleAnalyze(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleGetGuide(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := existingSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	state, err := s.guides.Guide(sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guideResponse(state))
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	if form := r.MultipartForm; form != nil {
		defer form.RemoveAll()
	}

	req, err := parseAnalyzeForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := s.session(w, r)
	if _, started := s.progress.Start(sessionID, req.SourceName); !started {
		writeError(w, http.StatusConflict, "an analysis is already running for this session")
		return
	}

	progress := func(step, message string, current, total int) {
		s.progress.Update(sessionID, step, message, current, total)
	}
	state, err := s.guides.Analyze(r.Context(), sessionID, req, progress)
	if err != nil {
		s.progress.Fail(sessionID, err.Error())
		s.writeServiceError(w, err)
		return
	}
	s.progress.Complete(sessionID)
	writeJSON(w, http.StatusOK, guideResponse(state))
}

func parseAnalyzeForm(r *http.Request) (services.AnalyzeRequest, error) {
	var req services.AnalyzeRequest

	file, header, err := r.FormFile("file")
	if err != nil {
		return req, errors.New("no file uploaded")
	}
	defer file.Close()
	if !strings.EqualFold(strings.TrimSpace(header.Header.Get("Content-Type")), "application/pdf") &&
		!strings.HasSuffix(strings.ToLower(header.Filename), ".pdf") {
		return req, errors.New("file must be a PDF")
	}
	if req.PDF, err = io.ReadAll(file); err != nil {
		return req, fmt.Errorf("read upload: %w", err)
	}
	req.SourceName = header.Filename

	if req.QuestionTypes, err = parseTypes(r.MultipartForm.Value["types"]); err != nil {
		return req, err
	}
	req.CourseContext = strings.TrimSpace(r.FormValue("context"))
	req.Instructions = strings.TrimSpace(r.FormValue("instructions"))

	if raw := strings.TrimSpace(r.FormValue("dpi")); raw != "" {
		if req.DPI, err = strconv.Atoi(raw); err != nil || req.DPI <= 0 {
			return req, fmt.Errorf("invalid dpi %q", raw)
		}
	}
	if req.Summaries, err = formBool(r, "summaries"); err != nil {
		return req, err
	}
	if req.Preselect, err = formBool(r, "preselect"); err != nil {
		return req, err
	}
	return req, nil
}

// parseTypes accepts repeated fields or a comma separated list.
func parseTypes(values []string) ([]string, error) {
	var out []string
	for _, v := range values {
		for _, raw := range strings.Split(v, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			kind, err := questions.ParseKind(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, string(kind))
		}
	}
	return out, nil
}

func formBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return v, nil
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	sessionID, ok := existingSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	job, ok := s.progress.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no analysis for this session")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handlePreview renders the selected questions as plain text.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	sessionID, ok := existingSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	state, err := s.guides.Guide(sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var b strings.Builder
	if state.Intro != "" {
		b.WriteString(state.Intro + "\n\n")
	}
	for _, slide := range state.Slides {
		var picked []string
		for _, q := range slide.Questions {
			if q.Common().IsSelected() {
				picked = append(picked, questions.Display(q))
			}
		}
		if len(picked) == 0 {
			continue
		}
		fmt.Fprintf(&b, "Slide %d\n%s\n\n", slide.Page, strings.Join(picked, "\n\n"))
	}
	if state.Outro != "" {
		b.WriteString(state.Outro + "\n")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, b.String())
}

type regenerateRequest struct {
	Types        []string `json:"types"`
	Advanced     bool     `json:"advanced"`
	Instructions string   `json:"instructions"`
}

func (s *Server) handleSlideActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/guide/slides/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	page, err := strconv.Atoi(parts[0])
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid slide number")
		return
	}
	sessionID, ok := existingSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}

	switch parts[1] {
	case "image":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		data, err := s.guides.SlideImage(sessionID, page)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "private, max-age=3600")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)

	case "regenerate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var payload regenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		slide, err := s.guides.Regenerate(r.Context(), sessionID, page, services.RegenerateRequest{
			QuestionTypes: payload.Types,
			Advanced:      payload.Advanced,
			Instructions:  payload.Instructions,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"slide": slide})

	default:
		http.NotFound(w, r)
	}
}

type selectionRequest struct {
	All      bool `json:"all"`
	Page     int  `json:"page"`
	Index    *int `json:"index"`
	Selected bool `json:"selected"`
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sessionID, ok := existingSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	var payload selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var err error
	switch {
	case payload.All:
		err = s.guides.SelectAll(sessionID, payload.Selected)
	case payload.Page < 1:
		writeError(w, http.StatusBadRequest, "page or all is required")
		return
	case payload.Index == nil:
		err = s.guides.SelectSlide(sessionID, payload.Page, payload.Selected)
	default:
		err = s.guides.SetSelection(sessionID, payload.Page, *payload.Index, payload.Selected)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	state, err := s.guides.Guide(sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"selected": state.SelectedCount()})
}

func (s *Server) handleTeacherAnswers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sessionID, ok := existingSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	written, err := s.guides.GenerateTeacherAnswers(r.Context(), sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	state, err := s.guides.Guide(sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := guideResponse(state)
	resp["answers_written"] = written
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, http.MethodDelete)
		return
	}
	sessionID, ok := existingSession(r)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.progress.Busy(sessionID) {
		writeError(w, http.StatusConflict, "analysis still running")
		return
	}
	if err := s.guides.StartOver(sessionID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.progress.Remove(sessionID)
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sessionID, ok := existingSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	if s.progress.Busy(sessionID) {
		writeError(w, http.StatusConflict, "analysis still running")
		return
	}
	if err := s.guides.ClearCache(sessionID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	guides, err := s.history.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("source")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"guides": guides})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	totals, err := s.usage.Totals(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	recent, err := s.usage.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	decoder := s.guides.Decoder()
	writeJSON(w, http.StatusOK, map[string]any{
		"totals":   totals,
		"hit_rate": totals.HitRate(),
		"recent":   recent,
		"decoder": map[string]int64{
			"parses":  decoder.Parses(),
			"repairs": decoder.Repairs(),
		},
	})
}

// parseSince accepts an RFC 3339 time or a look-back duration such as 24h.
func parseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q", raw)
	}
	return t, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func guideResponse(state workspace.State) map[string]any {
	return map[string]any{
		"guide":    state,
		"selected": state.SelectedCount(),
	}
}

// session returns the caller's session id, issuing a new cookie if the
// request carries none.
func (s *Server) session(w http.ResponseWriter, r *http.Request) string {
	if id, ok := existingSession(r); ok {
		return id
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func existingSession(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", false
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return "", false
	}
	return c.Value, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		renderErr    *render.RenderError
		providerErr  *services.ProviderError
		malformedErr *llmjson.MalformedResponseError
		workspaceErr *workspace.WorkspaceError
	)
	switch {
	case errors.As(err, &renderErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "page": renderErr.Page})
	case errors.Is(err, services.ErrAIUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &providerErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "retryable": services.IsRetryable(err)})
	case errors.As(err, &malformedErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "raw": malformedErr.Raw, "retryable": true})
	case errors.Is(err, workspace.ErrUnknownSession),
		errors.Is(err, services.ErrSlideNotFound),
		errors.Is(err, services.ErrQuestionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrNotAnalyzed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, workspace.ErrInvalidSession):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &workspaceErr):
		s.log.Error("workspace failure", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
