package questions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func (q *OpenEnded) MarshalJSON() ([]byte, error) {
	type alias OpenEnded
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindOpenEnded, (*alias)(q)})
}

func (q *ShortAnswer) MarshalJSON() ([]byte, error) {
	type alias ShortAnswer
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindShortAnswer, (*alias)(q)})
}

func (q *FillInBlank) MarshalJSON() ([]byte, error) {
	type alias FillInBlank
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindFillInBlank, (*alias)(q)})
}

func (q *TrueFalse) MarshalJSON() ([]byte, error) {
	type alias TrueFalse
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindTrueFalse, (*alias)(q)})
}

func (q *MultipleChoice) MarshalJSON() ([]byte, error) {
	type alias MultipleChoice
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindMultipleChoice, (*alias)(q)})
}

func (q *Ordering) MarshalJSON() ([]byte, error) {
	type alias Ordering
	return json.Marshal(struct {
		Type Kind `json:"type"`
		*alias
	}{KindOrdering, (*alias)(q)})
}

// UnmarshalJSON requires the answer to be present. Models sometimes quote
// the boolean, so "true" and "false" strings are accepted too.
func (q *TrueFalse) UnmarshalJSON(data []byte) error {
	type alias TrueFalse
	aux := struct {
		*alias
		Answer json.RawMessage `json:"answer"`
	}{alias: (*alias)(q)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	raw := bytes.TrimSpace(aux.Answer)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: %s missing answer", ErrInvalidRecord, KindTrueFalse)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		q.Answer = b
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("%w: %s answer is not a boolean", ErrInvalidRecord, KindTrueFalse)
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%w: %s answer %q is not a boolean", ErrInvalidRecord, KindTrueFalse, s)
	}
	q.Answer = b
	return nil
}

// UnmarshalRecord decodes one tagged question and validates it for its kind.
func UnmarshalRecord(data []byte) (Record, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode question envelope: %w", err)
	}
	kind, err := ParseKind(envelope.Type)
	if err != nil {
		return nil, err
	}

	var rec Record
	switch kind {
	case KindOpenEnded:
		rec = &OpenEnded{}
	case KindShortAnswer:
		rec = &ShortAnswer{}
	case KindFillInBlank:
		rec = &FillInBlank{}
	case KindTrueFalse:
		rec = &TrueFalse{}
	case KindMultipleChoice:
		rec = &MultipleChoice{}
	case KindOrdering:
		rec = &Ordering{}
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode %s question: %w", kind, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Set is an ordered list of questions for one slide.
type Set []Record

// UnmarshalJSON accepts a bare array or an object with a "questions" array.
func (s *Set) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var raws []json.RawMessage
	if len(data) > 0 && data[0] == '{' {
		var wrapper struct {
			Questions *[]json.RawMessage `json:"questions"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return err
		}
		if wrapper.Questions == nil {
			return fmt.Errorf("%w: object has no questions array", ErrInvalidRecord)
		}
		raws = *wrapper.Questions
	} else if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	out := make(Set, 0, len(raws))
	for i, raw := range raws {
		rec, err := UnmarshalRecord(raw)
		if err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
		out = append(out, rec)
	}
	*s = out
	return nil
}

// Validate checks every record.
func (s Set) Validate() error {
	for i, rec := range s {
		if rec == nil {
			return fmt.Errorf("%w: question %d is empty", ErrInvalidRecord, i)
		}
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
	}
	return nil
}

// Clone deep-copies the set.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for i, rec := range s {
		out[i] = Clone(rec)
	}
	return out
}
