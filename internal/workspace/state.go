package workspace

import (
	"time"

	"slide-guide/internal/fingerprint"
	"slide-guide/internal/questions"
)

// Slide roles decide which provider call a page gets.
const (
	RoleContent = "content"
	RoleIntro   = "intro"
	RoleOutro   = "outro"
)

// State is everything a session has produced so far.
type State struct {
	SourceName string                       `json:"source_name"`
	File       fingerprint.FileFingerprint  `json:"file"`
	DPI        int                          `json:"dpi"`
	Params     fingerprint.GenerationParams `json:"params"`
	Slides     []Slide                      `json:"slides"`
	Intro      string                       `json:"intro,omitempty"`
	Outro      string                       `json:"outro,omitempty"`
	UpdatedAt  time.Time                    `json:"updated_at"`
}

type Slide struct {
	Page      int                          `json:"page"`
	Role      string                       `json:"role"`
	Image     fingerprint.ImageFingerprint `json:"image"`
	ImageFile string                       `json:"image_file"`
	Width     int                          `json:"width"`
	Height    int                          `json:"height"`
	Questions questions.Set                `json:"questions,omitempty"`
	Summary   string                       `json:"summary,omitempty"`
	// Raw holds provider text that never decoded; Degraded marks the slide.
	Raw      string `json:"raw,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Cached   bool   `json:"cached"`
	Error    string `json:"error,omitempty"`
}

// Slide returns the slide for a 1-based page.
func (s *State) Slide(page int) (*Slide, bool) {
	for i := range s.Slides {
		if s.Slides[i].Page == page {
			return &s.Slides[i], true
		}
	}
	return nil, false
}

// Ready reports whether a document has been analyzed into this state.
func (s *State) Ready() bool {
	return s.File != "" && len(s.Slides) > 0
}

// SelectedCount counts questions marked for the guide.
func (s *State) SelectedCount() int {
	n := 0
	for _, slide := range s.Slides {
		for _, q := range slide.Questions {
			if q.Common().IsSelected() {
				n++
			}
		}
	}
	return n
}

func (s State) Clone() State {
	out := s
	out.Params.QuestionTypes = append([]string(nil), s.Params.QuestionTypes...)
	if s.Slides != nil {
		out.Slides = make([]Slide, len(s.Slides))
		for i, slide := range s.Slides {
			out.Slides[i] = slide
			out.Slides[i].Questions = slide.Questions.Clone()
		}
	}
	return out
}
