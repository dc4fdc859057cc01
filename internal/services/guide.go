package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"slide-guide/internal/cache"
	"slide-guide/internal/fingerprint"
	"slide-guide/internal/llmjson"
	"slide-guide/internal/logger"
	"slide-guide/internal/questions"
	"slide-guide/internal/render"
	"slide-guide/internal/workspace"
)

var (
	// ErrNotAnalyzed is returned for guide operations before any analysis.
	ErrNotAnalyzed = errors.New("no document analyzed in this session")
	// ErrSlideNotFound is returned for pages the current guide does not have.
	ErrSlideNotFound = errors.New("slide not found")
	// ErrQuestionNotFound is returned for question indexes out of range.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrInvalidRequest rejects malformed operation input.
	ErrInvalidRequest = errors.New("invalid request")
)

// ProgressCallback is called during analysis to report progress. It may be
// called from several goroutines at once.
type ProgressCallback func(step, message string, current, total int)

const answerUnavailable = "[Example answer not available]"

// GuideOptions tune the analysis pipeline.
type GuideOptions struct {
	// CacheRoot is the shared long-lived cache. Empty keeps each session's
	// cache inside its workspace.
	CacheRoot     string
	DPI           int
	Concurrency   int
	DecodeRetries int
	Model         string
	AdvancedModel string
	Verify        bool
}

// AnalyzeRequest is one upload to turn into a guide.
type AnalyzeRequest struct {
	SourceName    string
	PDF           []byte
	QuestionTypes []string
	CourseContext string
	Instructions  string
	DPI           int
	Summaries     bool
	Preselect     bool
}

// RegenerateRequest replaces one slide's questions.
type RegenerateRequest struct {
	QuestionTypes []string
	Advanced      bool
	Instructions  string
}

type stores struct {
	slides   *cache.SlideCache
	analysis *cache.AnalysisCache
}

// GuideService coordinates rendering, cached analysis and session state.
type GuideService struct {
	workspaces *workspace.Manager
	renderer   render.Renderer
	provider   QuestionProvider
	decoder    *llmjson.Decoder
	usage      *UsageLedger
	history    *HistoryService
	log        *logger.Logger
	opts       GuideOptions

	shared *stores

	mu     sync.Mutex
	scoped map[string]*stores
}

func NewGuideService(
	workspaces *workspace.Manager,
	renderer render.Renderer,
	provider QuestionProvider,
	usage *UsageLedger,
	history *HistoryService,
	log *logger.Logger,
	opts GuideOptions,
) (*GuideService, error) {
	if log == nil {
		log = logger.Nop()
	}
	if opts.DPI == 0 {
		opts.DPI = render.DefaultDPI
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	s := &GuideService{
		workspaces: workspaces,
		renderer:   renderer,
		provider:   provider,
		decoder:    llmjson.NewDecoder(),
		usage:      usage,
		history:    history,
		log:        log,
		opts:       opts,
		scoped:     make(map[string]*stores),
	}
	if opts.CacheRoot != "" {
		shared, err := s.openStores(opts.CacheRoot)
		if err != nil {
			return nil, err
		}
		s.shared = shared
	}
	return s, nil
}

// Decoder exposes parse and repair counters.
func (s *GuideService) Decoder() *llmjson.Decoder { return s.decoder }

func (s *GuideService) openStores(root string) (*stores, error) {
	slides, err := cache.NewSlideCache(root, s.renderer, s.log)
	if err != nil {
		return nil, fmt.Errorf("open slide cache: %w", err)
	}
	analysis, err := cache.NewAnalysisCache(root, s.decoder, s.log)
	if err != nil {
		return nil, fmt.Errorf("open analysis cache: %w", err)
	}
	return &stores{slides: slides, analysis: analysis}, nil
}

func (s *GuideService) storesFor(ws *workspace.Workspace) (*stores, error) {
	if s.shared != nil {
		return s.shared, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.scoped[ws.ID()]; ok {
		return st, nil
	}
	st, err := s.openStores(filepath.Join(ws.Dir(), "cache"))
	if err != nil {
		return nil, &workspace.WorkspaceError{Op: "open cache", Err: err}
	}
	s.scoped[ws.ID()] = st
	return st, nil
}

func (st *stores) close() {
	st.slides.Close()
	st.analysis.Close()
}

// dropScoped closes a workspace's own cache before its directory goes away,
// so computes detached from abandoned requests cannot write into it.
func (s *GuideService) dropScoped(ws *workspace.Workspace) {
	s.mu.Lock()
	st, ok := s.scoped[ws.ID()]
	delete(s.scoped, ws.ID())
	s.mu.Unlock()
	if ok {
		st.close()
	}
}

// Close stops every workspace-scoped cache from committing. Call it before
// the workspaces are removed at shutdown; the shared cache stays usable.
func (s *GuideService) Close() {
	s.mu.Lock()
	scoped := s.scoped
	s.scoped = make(map[string]*stores)
	s.mu.Unlock()
	for _, st := range scoped {
		st.close()
	}
}

func imageName(page int) string {
	return fmt.Sprintf("slides/slide_%03d.jpg", page)
}

// slidePlan says which provider calls a page gets. The first and last three
// pages get summaries when requested and are then left out of question
// generation; decks of six pages or fewer can end up with no content pages.
type slidePlan struct {
	intro, outro, content bool
}

func planSlides(total int, summaries bool) []slidePlan {
	plans := make([]slidePlan, total)
	if !summaries {
		for i := range plans {
			plans[i].content = true
		}
		return plans
	}
	contentStart := min(3, total)
	contentEnd := max(contentStart, total-3)
	for i := range plans {
		plans[i].intro = i < contentStart
		plans[i].outro = i >= max(0, total-3)
		plans[i].content = i >= contentStart && i < contentEnd
	}
	return plans
}

type slideResult struct {
	slide     workspace.Slide
	introText string
	outroText string
}

// Analyze renders the document and produces questions and summaries for
// every page, reusing cached work wherever the inputs are unchanged.
func (s *GuideService) Analyze(ctx context.Context, sessionID string, req AnalyzeRequest, progress ProgressCallback) (workspace.State, error) {
	if s.provider == nil {
		return workspace.State{}, ErrAIUnavailable
	}
	ws, err := s.workspaces.Open(sessionID)
	if err != nil {
		return workspace.State{}, err
	}
	st, err := s.storesFor(ws)
	if err != nil {
		return workspace.State{}, err
	}

	started := time.Now()
	fp := fingerprint.File(req.PDF)
	dpi := req.DPI
	if dpi == 0 {
		dpi = s.opts.DPI
	}
	log := s.log.With("session_id", sessionID, "file", fp.Short())

	if progress != nil {
		progress("render", "Rendering slides", 5, 100)
	}
	images, source, err := st.slides.GetOrRender(ctx, fp, req.PDF, dpi)
	if err != nil {
		return workspace.State{}, err
	}
	log.Info("slides ready", "pages", len(images), "dpi", dpi, "source", source.String())
	for _, img := range images {
		if err := ws.WriteFile(imageName(img.Page), img.Data); err != nil {
			return workspace.State{}, err
		}
	}

	params := fingerprint.GenerationParams{
		Purpose:       PurposeQuestions,
		QuestionTypes: req.QuestionTypes,
		CourseContext: req.CourseContext,
		Instructions:  req.Instructions,
		Model:         s.opts.Model,
		Verify:        s.opts.Verify,
	}
	plans := planSlides(len(images), req.Summaries)
	results := make([]slideResult, len(images))

	if progress != nil {
		progress("analyze", fmt.Sprintf("Analyzing %d slides", len(images)), 10, 100)
	}
	var done atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range images {
		g.Go(func() error {
			res, err := s.analyzeSlide(gctx, sessionID, st, images[i], plans[i], params)
			if err != nil {
				return err
			}
			results[i] = res
			n := int(done.Add(1))
			if progress != nil {
				progress("analyze", fmt.Sprintf("Analyzed slide %d of %d", n, len(images)), 10+80*n/len(images), 100)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("analysis failed", "error", err)
		return workspace.State{}, err
	}

	state := workspace.State{
		SourceName: req.SourceName,
		File:       fp,
		DPI:        dpi,
		Params:     params,
		Slides:     make([]workspace.Slide, len(results)),
		UpdatedAt:  time.Now().UTC(),
	}
	var intro, outro []string
	for i, res := range results {
		state.Slides[i] = res.slide
		if res.introText != "" {
			intro = append(intro, res.introText)
		}
		if res.outroText != "" {
			outro = append(outro, res.outroText)
		}
	}
	state.Intro = strings.Join(intro, "\n")
	state.Outro = strings.Join(outro, "\n")

	if req.Preselect {
		if progress != nil {
			progress("select", "Selecting questions for the guide", 92, 100)
		}
		s.preselect(ctx, sessionID, &state)
	}

	if err := ws.Update(func(cur *workspace.State) error {
		*cur = state
		return nil
	}); err != nil {
		return workspace.State{}, err
	}

	if progress != nil {
		progress("save", "Saving question history", 96, 100)
	}
	if _, err := s.history.Save(ctx, sessionID, state); err != nil {
		log.Warn("save question history failed", "error", err)
	}

	hits := 0
	for _, slide := range state.Slides {
		if slide.Cached {
			hits++
		}
	}
	log.Info("analysis complete",
		"slides", len(state.Slides),
		"cached", hits,
		"selected", state.SelectedCount(),
		"elapsed", time.Since(started),
	)
	if progress != nil {
		progress("complete", "Analysis complete", 100, 100)
	}
	return state.Clone(), nil
}

func (s *GuideService) analyzeSlide(ctx context.Context, sessionID string, st *stores, img cache.SlideImage, plan slidePlan, params fingerprint.GenerationParams) (slideResult, error) {
	res := slideResult{slide: workspace.Slide{
		Page:      img.Page,
		Role:      workspace.RoleContent,
		Image:     img.Image,
		ImageFile: imageName(img.Page),
		Width:     img.Width,
		Height:    img.Height,
		Cached:    true,
	}}

	if plan.intro {
		text, hit, err := s.summary(ctx, sessionID, st, img, PurposeIntro)
		if err != nil {
			return res, err
		}
		res.introText = text
		res.slide.Role = workspace.RoleIntro
		res.slide.Summary = text
		res.slide.Cached = res.slide.Cached && hit
	}
	if plan.outro {
		text, hit, err := s.summary(ctx, sessionID, st, img, PurposeOutro)
		if err != nil {
			return res, err
		}
		res.outroText = text
		if !plan.intro {
			res.slide.Role = workspace.RoleOutro
			res.slide.Summary = text
		}
		res.slide.Cached = res.slide.Cached && hit
	}
	if plan.content {
		set, out, err := s.questionsFor(ctx, sessionID, st, img.Image, img.Data, params, false)
		if err != nil {
			var malformed *llmjson.MalformedResponseError
			if !errors.As(err, &malformed) {
				return res, err
			}
			s.degrade(&res.slide, malformed)
		} else {
			res.slide.Questions = set
		}
		res.slide.Role = workspace.RoleContent
		res.slide.Cached = res.slide.Cached && out.Hit()
	}
	return res, nil
}

// degrade keeps the undecodable reply visible as a single open question.
func (s *GuideService) degrade(slide *workspace.Slide, malformed *llmjson.MalformedResponseError) {
	slide.Degraded = true
	slide.Raw = malformed.Raw
	slide.Error = malformed.Reason
	if raw := strings.TrimSpace(malformed.Raw); raw != "" {
		slide.Questions = questions.Set{&questions.OpenEnded{Question: raw, NotesPrompt: questions.DefaultNotesPrompt}}
	}
	s.log.Warn("slide degraded to raw provider text", "page", slide.Page, "reason", malformed.Reason)
}

func (s *GuideService) summary(ctx context.Context, sessionID string, st *stores, img cache.SlideImage, purpose string) (string, bool, error) {
	params := fingerprint.GenerationParams{Purpose: purpose, Model: s.opts.Model}
	key := cache.Key{Image: img.Image, Params: fingerprint.Params(params)}
	action := "summarize_" + purpose

	var (
		text string
		out  cache.Outcome
	)
	err := s.retryMalformed(ctx, action, func() error {
		var err error
		text, out, err = st.analysis.GetOrComputeText(ctx, key, func(ctx context.Context) (cache.Response, error) {
			resp, err := s.provider.Summarize(ctx, img.Data, params)
			if err != nil {
				return cache.Response{}, err
			}
			s.recordUsage(ctx, sessionID, action, cache.SourceProvider, resp)
			return resp, nil
		})
		return err
	})
	if llmjson.IsMalformed(err) {
		s.log.Warn("summary unavailable", "page", img.Page, "purpose", purpose, "error", err)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if out.Hit() {
		s.recordUsage(ctx, sessionID, action, out.Source, cache.Response{})
	}
	return text, out.Hit(), nil
}

// questionsFor returns the question set for one image under params. force
// skips any stored entry and replaces it.
func (s *GuideService) questionsFor(ctx context.Context, sessionID string, st *stores, image fingerprint.ImageFingerprint, jpeg []byte, params fingerprint.GenerationParams, force bool) (questions.Set, cache.Outcome, error) {
	key := cache.Key{Image: image, Params: fingerprint.Params(params)}
	action := "analyze_slide"
	if params.Purpose == PurposeRegenerate {
		action = "regenerate"
	}
	compute := s.questionCompute(sessionID, action, jpeg, params)

	var (
		set questions.Set
		out cache.Outcome
	)
	err := s.retryMalformed(ctx, action, func() error {
		var err error
		if force {
			set, out, err = st.analysis.Recompute(ctx, key, compute)
		} else {
			set, out, err = st.analysis.GetOrCompute(ctx, key, compute)
		}
		return err
	})
	if err != nil {
		return nil, cache.Outcome{Source: cache.SourceProvider}, err
	}
	if out.Hit() {
		s.recordUsage(ctx, sessionID, action, out.Source, cache.Response{})
	}
	return set, out, nil
}

// questionCompute is the billed work behind one analysis cache miss. With
// verification on, the generated set is checked by a second call; if that
// call fails the unverified reply is kept.
func (s *GuideService) questionCompute(sessionID, action string, jpeg []byte, params fingerprint.GenerationParams) cache.ComputeFunc {
	return func(ctx context.Context) (cache.Response, error) {
		resp, err := s.provider.GenerateQuestions(ctx, jpeg, params)
		if err != nil {
			return cache.Response{}, err
		}
		s.recordUsage(ctx, sessionID, action, cache.SourceProvider, resp)
		if !params.Verify {
			return resp, nil
		}

		set, err := s.decoder.Questions(resp.Text)
		if err != nil {
			return resp, nil
		}
		verified, err := s.provider.VerifyAnswers(ctx, jpeg, set)
		if err != nil {
			s.log.Warn("answer verification failed, keeping generated answers", "error", err)
			return resp, nil
		}
		s.recordUsage(ctx, sessionID, "verify_answers", cache.SourceProvider, verified)
		if _, err := s.decoder.Questions(verified.Text); err != nil {
			s.log.Warn("verified answers malformed, keeping generated answers", "error", err)
			return resp, nil
		}
		verified.InputTokens += resp.InputTokens
		verified.OutputTokens += resp.OutputTokens
		return verified, nil
	}
}

func (s *GuideService) retryMalformed(ctx context.Context, action string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.opts.DecodeRetries; attempt++ {
		if err = fn(); err == nil || !llmjson.IsMalformed(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("provider response malformed", "action", action, "attempt", attempt+1, "error", err)
	}
	return err
}

func (s *GuideService) recordUsage(ctx context.Context, sessionID, action string, source cache.Source, resp cache.Response) {
	if err := s.usage.Record(ctx, sessionID, action, source, resp); err != nil {
		s.log.Warn("record usage failed", "action", action, "error", err)
	}
}

type selectionReply struct {
	Selected []struct {
		Slide int `json:"slide"`
		Index int `json:"index"`
	} `json:"selected"`
}

// preselect marks the questions the advanced model picks for a short guide.
// Any failure falls back to the first question of every slide.
func (s *GuideService) preselect(ctx context.Context, sessionID string, state *workspace.State) {
	var summaries []QuestionSummary
	for _, slide := range state.Slides {
		for i, q := range slide.Questions {
			summaries = append(summaries, QuestionSummary{Slide: slide.Page, Index: i, Type: string(q.Kind()), Text: q.Text()})
		}
	}
	if len(summaries) == 0 {
		return
	}

	picked := make(map[[2]int]bool)
	resp, err := s.provider.SelectQuestions(ctx, summaries, len(state.Slides))
	if err == nil {
		s.recordUsage(ctx, sessionID, "preselect", cache.SourceProvider, resp)
		var reply selectionReply
		if err = s.decoder.Unmarshal(resp.Text, &reply); err == nil {
			for _, sel := range reply.Selected {
				if slide, ok := state.Slide(sel.Slide); ok && sel.Index >= 0 && sel.Index < len(slide.Questions) {
					picked[[2]int{sel.Slide, sel.Index}] = true
				}
			}
		}
	}
	if len(picked) == 0 {
		s.log.Warn("pre-selection unavailable, selecting first question per slide", "error", err)
		for _, slide := range state.Slides {
			if len(slide.Questions) > 0 {
				picked[[2]int{slide.Page, 0}] = true
			}
		}
	}

	for i := range state.Slides {
		slide := &state.Slides[i]
		for j, q := range slide.Questions {
			q.Common().SetSelected(picked[[2]int{slide.Page, j}])
		}
	}
}

// Regenerate replaces one slide's questions with freshly generated ones of
// the requested types.
func (s *GuideService) Regenerate(ctx context.Context, sessionID string, page int, req RegenerateRequest) (workspace.Slide, error) {
	if s.provider == nil {
		return workspace.Slide{}, ErrAIUnavailable
	}
	for _, raw := range req.QuestionTypes {
		if _, err := questions.ParseKind(raw); err != nil {
			return workspace.Slide{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	kinds := requestedKinds(req.QuestionTypes)
	if len(kinds) == 0 {
		return workspace.Slide{}, fmt.Errorf("%w: no question types", ErrInvalidRequest)
	}

	ws, snap, err := s.current(sessionID)
	if err != nil {
		return workspace.Slide{}, err
	}
	slide, ok := snap.Slide(page)
	if !ok {
		return workspace.Slide{}, fmt.Errorf("%w: page %d", ErrSlideNotFound, page)
	}
	jpeg, err := ws.ReadFile(slide.ImageFile)
	if err != nil {
		return workspace.Slide{}, err
	}
	st, err := s.storesFor(ws)
	if err != nil {
		return workspace.Slide{}, err
	}

	types := make([]string, len(kinds))
	for i, kind := range kinds {
		types[i] = string(kind)
	}
	instructions := snap.Params.Instructions
	if strings.TrimSpace(req.Instructions) != "" {
		instructions = req.Instructions
	}
	model := s.opts.Model
	if req.Advanced && s.opts.AdvancedModel != "" {
		model = s.opts.AdvancedModel
	}
	params := fingerprint.GenerationParams{
		Purpose:       PurposeRegenerate,
		QuestionTypes: types,
		CourseContext: snap.Params.CourseContext,
		Instructions:  instructions,
		Model:         model,
		Verify:        s.opts.Verify,
	}

	fresh := workspace.Slide{}
	set, out, err := s.questionsFor(ctx, sessionID, st, slide.Image, jpeg, params, true)
	var malformed *llmjson.MalformedResponseError
	switch {
	case errors.As(err, &malformed):
		fresh = *slide
		fresh.Questions = nil
		s.degrade(&fresh, malformed)
	case err != nil:
		return workspace.Slide{}, err
	}

	var updated workspace.Slide
	err = ws.Update(func(cur *workspace.State) error {
		target, ok := cur.Slide(page)
		if !ok || cur.File != snap.File {
			return fmt.Errorf("%w: page %d", ErrSlideNotFound, page)
		}
		target.Role = workspace.RoleContent
		if fresh.Degraded {
			target.Questions = fresh.Questions
			target.Degraded, target.Raw, target.Error = true, fresh.Raw, fresh.Error
		} else {
			target.Questions = set
			target.Degraded, target.Raw, target.Error = false, "", ""
		}
		target.Cached = out.Hit()
		cur.UpdatedAt = time.Now().UTC()
		updated = *target
		updated.Questions = target.Questions.Clone()
		return nil
	})
	if err != nil {
		return workspace.Slide{}, err
	}

	record := workspace.State{SourceName: snap.SourceName, File: snap.File, Slides: []workspace.Slide{updated}}
	if _, err := s.history.Save(ctx, sessionID, record); err != nil {
		s.log.Warn("save question history failed", "error", err)
	}
	s.log.Info("slide regenerated", "session_id", sessionID, "page", page, "types", types, "model", model)
	return updated, nil
}

// SetSelection includes or excludes one question from the guide.
func (s *GuideService) SetSelection(sessionID string, page, index int, selected bool) error {
	return s.update(sessionID, func(state *workspace.State) error {
		slide, ok := state.Slide(page)
		if !ok {
			return fmt.Errorf("%w: page %d", ErrSlideNotFound, page)
		}
		if index < 0 || index >= len(slide.Questions) {
			return fmt.Errorf("%w: page %d index %d", ErrQuestionNotFound, page, index)
		}
		slide.Questions[index].Common().SetSelected(selected)
		return nil
	})
}

// SelectSlide includes or excludes every question on one slide.
func (s *GuideService) SelectSlide(sessionID string, page int, selected bool) error {
	return s.update(sessionID, func(state *workspace.State) error {
		slide, ok := state.Slide(page)
		if !ok {
			return fmt.Errorf("%w: page %d", ErrSlideNotFound, page)
		}
		for _, q := range slide.Questions {
			q.Common().SetSelected(selected)
		}
		return nil
	})
}

// SelectAll includes or excludes every question in the guide.
func (s *GuideService) SelectAll(sessionID string, selected bool) error {
	return s.update(sessionID, func(state *workspace.State) error {
		for i := range state.Slides {
			for _, q := range state.Slides[i].Questions {
				q.Common().SetSelected(selected)
			}
		}
		return nil
	})
}

type answerSlot struct {
	page, index int
	text        string
}

// GenerateTeacherAnswers fills in example answers for selected open-ended
// questions that lack one. A failed call stores a placeholder rather than
// failing the batch. It returns how many answers were written.
func (s *GuideService) GenerateTeacherAnswers(ctx context.Context, sessionID string) (int, error) {
	if s.provider == nil {
		return 0, ErrAIUnavailable
	}
	ws, snap, err := s.current(sessionID)
	if err != nil {
		return 0, err
	}

	var slots []answerSlot
	for _, slide := range snap.Slides {
		for i, q := range slide.Questions {
			if q.Kind() == questions.KindOpenEnded && q.Common().IsSelected() && q.Common().ExampleAnswer == "" {
				slots = append(slots, answerSlot{page: slide.Page, index: i, text: q.Text()})
			}
		}
	}
	if len(slots) == 0 {
		return 0, nil
	}

	answers := make([]string, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, slot := range slots {
		g.Go(func() error {
			slide, _ := snap.Slide(slot.page)
			jpeg, err := ws.ReadFile(slide.ImageFile)
			if err != nil {
				return err
			}
			resp, err := s.provider.GenerateTeacherAnswer(gctx, jpeg, slide.Questions[slot.index], snap.Params.CourseContext)
			switch {
			case errors.Is(err, ErrAIUnavailable):
				return err
			case err != nil:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Warn("teacher answer failed", "page", slot.page, "error", err)
				answers[i] = answerUnavailable
			default:
				s.recordUsage(gctx, sessionID, "teacher_answer", cache.SourceProvider, resp)
				answers[i] = strings.TrimSpace(resp.Text)
				if answers[i] == "" {
					answers[i] = answerUnavailable
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	written := 0
	err = ws.Update(func(state *workspace.State) error {
		if state.File != snap.File {
			return nil
		}
		for i, slot := range slots {
			slide, ok := state.Slide(slot.page)
			if !ok || slot.index >= len(slide.Questions) {
				continue
			}
			q := slide.Questions[slot.index]
			// Skip questions replaced while the answers were generated.
			if q.Text() != slot.text || q.Common().ExampleAnswer != "" {
				continue
			}
			q.Common().ExampleAnswer = answers[i]
			written++
		}
		state.UpdatedAt = time.Now().UTC()
		return nil
	})
	return written, err
}

// Guide returns the session's current state.
func (s *GuideService) Guide(sessionID string) (workspace.State, error) {
	_, snap, err := s.current(sessionID)
	return snap, err
}

// SlideImage returns the stored JPEG for one page.
func (s *GuideService) SlideImage(sessionID string, page int) ([]byte, error) {
	ws, snap, err := s.current(sessionID)
	if err != nil {
		return nil, err
	}
	slide, ok := snap.Slide(page)
	if !ok {
		return nil, fmt.Errorf("%w: page %d", ErrSlideNotFound, page)
	}
	return ws.ReadFile(slide.ImageFile)
}

// StartOver discards the session's workspace and everything in it. The
// caller must not have an analysis for this session in flight.
func (s *GuideService) StartOver(sessionID string) error {
	if ws, err := s.workspaces.Get(sessionID); err == nil {
		s.dropScoped(ws)
	}
	return s.workspaces.Close(sessionID)
}

// ClearCache empties the cache this session reads from: the shared cache
// when one is configured, otherwise the session's own.
func (s *GuideService) ClearCache(sessionID string) error {
	if s.shared != nil {
		s.log.Info("clearing shared cache", "session_id", sessionID)
		return cache.Clear(s.shared.slides.Root())
	}
	ws, err := s.workspaces.Get(sessionID)
	if err != nil {
		return err
	}
	st, err := s.storesFor(ws)
	if err != nil {
		return err
	}
	return cache.Clear(st.slides.Root())
}

func (s *GuideService) current(sessionID string) (*workspace.Workspace, workspace.State, error) {
	ws, err := s.workspaces.Get(sessionID)
	if err != nil {
		return nil, workspace.State{}, err
	}
	snap := ws.Snapshot()
	if !snap.Ready() {
		return nil, workspace.State{}, ErrNotAnalyzed
	}
	return ws, snap, nil
}

func (s *GuideService) update(sessionID string, fn func(*workspace.State) error) error {
	ws, err := s.workspaces.Get(sessionID)
	if err != nil {
		return err
	}
	return ws.Update(func(state *workspace.State) error {
		if !state.Ready() {
			return ErrNotAnalyzed
		}
		if err := fn(state); err != nil {
			return err
		}
		state.UpdatedAt = time.Now().UTC()
		return nil
	})
}
