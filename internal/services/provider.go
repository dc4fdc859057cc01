package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"slide-guide/internal/cache"
	"slide-guide/internal/fingerprint"
	"slide-guide/internal/llmjson"
	"slide-guide/internal/questions"
)

var (
	// ErrAIUnavailable is returned when no provider is configured.
	ErrAIUnavailable = errors.New("ai provider is not configured")
	errNoChoices     = errors.New("provider returned no choices")
)

// Purposes separate cache entries for the same image.
const (
	PurposeQuestions  = "questions"
	PurposeRegenerate = "regenerate"
	PurposeIntro      = "intro"
	PurposeOutro      = "outro"
)

// QuestionSummary is the compact view of one question sent for pre-selection.
type QuestionSummary struct {
	Slide int    `json:"slide"`
	Index int    `json:"index"`
	Type  string `json:"type"`
	Text  string `json:"text"`
}

// QuestionProvider is the AI collaborator. Every call returns the raw text
// plus token usage; decoding is the caller's job.
type QuestionProvider interface {
	GenerateQuestions(ctx context.Context, jpeg []byte, params fingerprint.GenerationParams) (cache.Response, error)
	VerifyAnswers(ctx context.Context, jpeg []byte, set questions.Set) (cache.Response, error)
	GenerateTeacherAnswer(ctx context.Context, jpeg []byte, q questions.Record, courseContext string) (cache.Response, error)
	Summarize(ctx context.Context, jpeg []byte, params fingerprint.GenerationParams) (cache.Response, error)
	SelectQuestions(ctx context.Context, summaries []QuestionSummary, totalSlides int) (cache.Response, error)
}

// ProviderError is a transport or API failure talking to the provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether trying the same request again may succeed.
// Throttling, server errors, timeouts and undecodable responses qualify;
// rejected requests and local failures do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if llmjson.IsMalformed(err) {
		return true
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch {
	case pe.StatusCode == 0:
		return !errors.Is(pe.Err, context.Canceled)
	case pe.StatusCode == http.StatusTooManyRequests, pe.StatusCode == http.StatusRequestTimeout:
		return true
	case pe.StatusCode >= 500:
		return true
	default:
		return false
	}
}
