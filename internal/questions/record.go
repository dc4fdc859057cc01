// Package questions models generated study-guide questions as a closed set
// of variants, one per question kind.
package questions

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the wire tag of a question variant.
type Kind string

const (
	KindOpenEnded      Kind = "open_ended"
	KindShortAnswer    Kind = "short_answer"
	KindFillInBlank    Kind = "fill_in_blank"
	KindTrueFalse      Kind = "true_false"
	KindMultipleChoice Kind = "multiple_choice"
	KindOrdering       Kind = "put_in_order"
)

var kinds = []Kind{
	KindOpenEnded,
	KindShortAnswer,
	KindFillInBlank,
	KindTrueFalse,
	KindMultipleChoice,
	KindOrdering,
}

var labels = map[Kind]string{
	KindOpenEnded:      "Open-ended",
	KindShortAnswer:    "Short Answer",
	KindFillInBlank:    "Fill in blank",
	KindTrueFalse:      "True/False",
	KindMultipleChoice: "Multiple Choice",
	KindOrdering:       "Put in order",
}

// Kinds lists every kind in prompt priority order.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

// ParseKind accepts a wire tag, case-insensitively.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := labels[k]; !ok {
		return "", fmt.Errorf("%w: unknown question type %q", ErrInvalidRecord, raw)
	}
	return k, nil
}

// Label is the human-readable name shown on badges.
func (k Kind) Label() string {
	if l, ok := labels[k]; ok {
		return l
	}
	return string(k)
}

// ErrInvalidRecord marks a record whose fields do not match its kind.
var ErrInvalidRecord = errors.New("invalid question record")

// DefaultNotesPrompt is shown under open-ended questions.
const DefaultNotesPrompt = "[Your notes:]"

// Meta holds fields shared by every variant.
type Meta struct {
	// Selected is the curation flag. Nil means the instructor never touched it.
	Selected *bool `json:"selected,omitempty"`
	// ExampleAnswer is the teacher-only model answer, absent until generated.
	ExampleAnswer string `json:"example_answer,omitempty"`
}

// Common exposes the shared fields of any variant.
func (m *Meta) Common() *Meta { return m }

// IsSelected treats an untouched flag as selected.
func (m *Meta) IsSelected() bool {
	return m.Selected == nil || *m.Selected
}

func (m *Meta) SetSelected(v bool) {
	m.Selected = &v
}

func (m Meta) copy() Meta {
	out := Meta{ExampleAnswer: m.ExampleAnswer}
	if m.Selected != nil {
		v := *m.Selected
		out.Selected = &v
	}
	return out
}

// Record is one generated question. The set of implementations is closed.
type Record interface {
	Kind() Kind
	// Text is the main prompt line regardless of kind.
	Text() string
	Validate() error
	Common() *Meta
	clone() Record
}

type OpenEnded struct {
	Meta
	Question    string `json:"question"`
	NotesPrompt string `json:"notes_prompt,omitempty"`
}

type ShortAnswer struct {
	Meta
	Prompt string `json:"prompt"`
	Answer string `json:"answer"`
}

type FillInBlank struct {
	Meta
	Sentence string `json:"sentence"`
	Answer   string `json:"answer"`
}

type TrueFalse struct {
	Meta
	Statement string `json:"statement"`
	Answer    bool   `json:"answer"`
}

// MultipleChoice stores the answer as an option letter ("B").
type MultipleChoice struct {
	Meta
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Answer   string   `json:"answer"`
}

// Ordering lists items in display order; CorrectOrder holds item indexes in
// the correct sequence.
type Ordering struct {
	Meta
	Instruction  string   `json:"instruction"`
	Items        []string `json:"items"`
	CorrectOrder []int    `json:"correct_order"`
}

func (*OpenEnded) Kind() Kind      { return KindOpenEnded }
func (*ShortAnswer) Kind() Kind    { return KindShortAnswer }
func (*FillInBlank) Kind() Kind    { return KindFillInBlank }
func (*TrueFalse) Kind() Kind      { return KindTrueFalse }
func (*MultipleChoice) Kind() Kind { return KindMultipleChoice }
func (*Ordering) Kind() Kind       { return KindOrdering }

func (q *OpenEnded) Text() string      { return q.Question }
func (q *ShortAnswer) Text() string    { return q.Prompt }
func (q *FillInBlank) Text() string    { return q.Sentence }
func (q *TrueFalse) Text() string      { return q.Statement }
func (q *MultipleChoice) Text() string { return q.Question }

func (q *Ordering) Text() string {
	if strings.TrimSpace(q.Instruction) == "" {
		return "Arrange in order:"
	}
	return q.Instruction
}

func (q *OpenEnded) Validate() error {
	return requireText(q.Kind(), "question", q.Question)
}

func (q *ShortAnswer) Validate() error {
	if err := requireText(q.Kind(), "prompt", q.Prompt); err != nil {
		return err
	}
	return requireText(q.Kind(), "answer", q.Answer)
}

func (q *FillInBlank) Validate() error {
	if err := requireText(q.Kind(), "sentence", q.Sentence); err != nil {
		return err
	}
	return requireText(q.Kind(), "answer", q.Answer)
}

func (q *TrueFalse) Validate() error {
	return requireText(q.Kind(), "statement", q.Statement)
}

func (q *MultipleChoice) Validate() error {
	if err := requireText(q.Kind(), "question", q.Question); err != nil {
		return err
	}
	if len(q.Options) < 2 {
		return fmt.Errorf("%w: %s needs at least two options, got %d", ErrInvalidRecord, q.Kind(), len(q.Options))
	}
	if q.CorrectIndex() < 0 {
		return fmt.Errorf("%w: %s answer %q does not name an option", ErrInvalidRecord, q.Kind(), q.Answer)
	}
	return nil
}

func (q *Ordering) Validate() error {
	if len(q.Items) < 2 {
		return fmt.Errorf("%w: %s needs at least two items, got %d", ErrInvalidRecord, q.Kind(), len(q.Items))
	}
	if len(q.CorrectOrder) != len(q.Items) {
		return fmt.Errorf("%w: %s correct_order has %d entries for %d items", ErrInvalidRecord, q.Kind(), len(q.CorrectOrder), len(q.Items))
	}
	seen := make([]bool, len(q.Items))
	for _, idx := range q.CorrectOrder {
		if idx < 0 || idx >= len(q.Items) || seen[idx] {
			return fmt.Errorf("%w: %s correct_order %v is not a permutation", ErrInvalidRecord, q.Kind(), q.CorrectOrder)
		}
		seen[idx] = true
	}
	return nil
}

// CorrectIndex resolves the answer letter to an option index, or -1. An
// answer that repeats an option's full text also resolves.
func (q *MultipleChoice) CorrectIndex() int {
	ans := strings.TrimSpace(q.Answer)
	if ans == "" {
		return -1
	}
	for i, opt := range q.Options {
		if strings.EqualFold(strings.TrimSpace(opt), ans) {
			return i
		}
	}
	letter := ans[0]
	if letter >= 'a' && letter <= 'z' {
		letter -= 'a' - 'A'
	}
	if letter < 'A' || letter > 'Z' {
		return -1
	}
	if len(ans) > 1 && ans[1] != ')' && ans[1] != '.' && ans[1] != ' ' {
		return -1
	}
	idx := int(letter - 'A')
	if idx >= len(q.Options) {
		return -1
	}
	return idx
}

// Ordered returns the items in their correct sequence.
func (q *Ordering) Ordered() []string {
	out := make([]string, 0, len(q.CorrectOrder))
	for _, idx := range q.CorrectOrder {
		if idx >= 0 && idx < len(q.Items) {
			out = append(out, q.Items[idx])
		}
	}
	return out
}

func (q *OpenEnded) clone() Record {
	c := *q
	c.Meta = q.Meta.copy()
	return &c
}

func (q *ShortAnswer) clone() Record {
	c := *q
	c.Meta = q.Meta.copy()
	return &c
}

func (q *FillInBlank) clone() Record {
	c := *q
	c.Meta = q.Meta.copy()
	return &c
}

func (q *TrueFalse) clone() Record {
	c := *q
	c.Meta = q.Meta.copy()
	return &c
}

func (q *MultipleChoice) clone() Record {
	c := *q
	c.Meta = q.Meta.copy()
	c.Options = append([]string(nil), q.Options...)
	return &c
}

func (q *Ordering) clone() Record {
	c := *q
	c.Meta = q.Meta.copy()
	c.Items = append([]string(nil), q.Items...)
	c.CorrectOrder = append([]int(nil), q.CorrectOrder...)
	return &c
}

// Clone deep-copies a record.
func Clone(r Record) Record {
	if r == nil {
		return nil
	}
	return r.clone()
}

func requireText(kind Kind, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s missing %s", ErrInvalidRecord, kind, field)
	}
	return nil
}
