package models

import "time"

// UsageEvent is one ledger row. It carries identity and token counts only,
// never prompt or slide content.
type UsageEvent struct {
	ID           int64     `json:"id"`
	OccurredAt   time.Time `json:"occurred_at"`
	SessionHash  string    `json:"session_hash"`
	Action       string    `json:"action"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Source       string    `json:"source"`
}

// UsageTotals aggregates ledger rows over a period.
type UsageTotals struct {
	Since         time.Time `json:"since"`
	ProviderCalls int       `json:"provider_calls"`
	CacheHits     int       `json:"cache_hits"`
	Coalesced     int       `json:"coalesced"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
}

// HitRate is the share of lookups that cost nothing.
func (t UsageTotals) HitRate() float64 {
	total := t.ProviderCalls + t.CacheHits + t.Coalesced
	if total == 0 {
		return 0
	}
	return float64(t.CacheHits+t.Coalesced) / float64(total)
}

// Guide is one saved analysis of a source document.
type Guide struct {
	ID              int64             `json:"id"`
	CreatedAt       time.Time         `json:"created_at"`
	SessionHash     string            `json:"-"`
	SourceName      string            `json:"source_name"`
	FileFingerprint string            `json:"file_fingerprint"`
	SlideCount      int               `json:"slide_count"`
	Intro           string            `json:"intro,omitempty"`
	Outro           string            `json:"outro,omitempty"`
	Questions       []HistoryQuestion `json:"questions,omitempty"`
}

// HistoryQuestion is a flattened question row. List-valued fields hold JSON
// arrays and are empty when the question type has none.
type HistoryQuestion struct {
	ID            int64  `json:"id"`
	GuideID       int64  `json:"guide_id"`
	SlideNum      int    `json:"slide_num"`
	QuestionType  string `json:"question_type"`
	QuestionText  string `json:"question_text"`
	Answer        string `json:"answer,omitempty"`
	ExampleAnswer string `json:"example_answer,omitempty"`
	Options       string `json:"options,omitempty"`
	Items         string `json:"items,omitempty"`
	CorrectOrder  string `json:"correct_order,omitempty"`
	Selected      bool   `json:"selected"`
}
