// Package llmjson decodes JSON out of language-model responses, tolerating
// markdown fences, surrounding prose and a small set of syntax defects.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"slide-guide/internal/questions"
)

// MalformedResponseError reports a response that could not be decoded even
// after repair, or that decoded into the wrong shape. Raw keeps the original
// text so callers can show it instead of dropping the response.
type MalformedResponseError struct {
	Raw    string
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err == nil {
		return "malformed response: " + e.Reason
	}
	return fmt.Sprintf("malformed response: %s: %v", e.Reason, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a MalformedResponseError.
func IsMalformed(err error) bool {
	var m *MalformedResponseError
	return errors.As(err, &m)
}

// Decoder is safe for concurrent use. Its counters let callers observe how
// often the repair path runs.
type Decoder struct {
	parses  atomic.Int64
	repairs atomic.Int64
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Parses returns the number of json.Unmarshal attempts made.
func (d *Decoder) Parses() int64 { return d.parses.Load() }

// Repairs returns the number of times the repair pass ran.
func (d *Decoder) Repairs() int64 { return d.repairs.Load() }

// Unmarshal extracts the JSON payload from text and decodes it into v. Text
// that already starts as JSON is parsed as is first, so valid JSON decodes
// exactly as json.Unmarshal would. Repair only runs when a parse hits a
// syntax error. Errors are always *MalformedResponseError.
func (d *Decoder) Unmarshal(text string, v any) error {
	trimmed := strings.TrimSpace(text)
	direct := startsJSON(trimmed)
	if direct {
		err := d.parse(trimmed, v)
		if err == nil {
			return nil
		}
		if !isSyntaxError(err) {
			return &MalformedResponseError{Raw: text, Reason: "unexpected structure", Err: err}
		}
	}

	payload := Extract(trimmed)
	if payload == "" {
		return &MalformedResponseError{Raw: text, Reason: "no json payload"}
	}
	if !direct || payload != trimmed {
		err := d.parse(payload, v)
		if err == nil {
			return nil
		}
		if !isSyntaxError(err) {
			return &MalformedResponseError{Raw: text, Reason: "unexpected structure", Err: err}
		}
	}

	d.repairs.Add(1)
	repaired := Repair(payload)
	if repairErr := d.parse(repaired, v); repairErr != nil {
		reason := "invalid json after repair"
		if !isSyntaxError(repairErr) {
			reason = "unexpected structure"
		}
		return &MalformedResponseError{Raw: text, Reason: reason, Err: repairErr}
	}
	return nil
}

// Questions decodes a question list, accepting {"questions":[...]} or a bare
// array. An empty list is malformed.
func (d *Decoder) Questions(text string) (questions.Set, error) {
	var set questions.Set
	if err := d.Unmarshal(text, &set); err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, &MalformedResponseError{Raw: text, Reason: "no questions"}
	}
	return set, nil
}

func (d *Decoder) parse(payload string, v any) error {
	d.parses.Add(1)
	return json.Unmarshal([]byte(payload), v)
}

func isSyntaxError(err error) bool {
	var syn *json.SyntaxError
	return errors.As(err, &syn)
}

// Extract strips markdown code fences and any prose around the outermost
// JSON object or array. A fence only counts when it opens before the
// payload; backticks inside JSON strings are content.
func Extract(text string) string {
	text = strings.TrimSpace(text)

	if open := strings.Index(text, "```"); open != -1 && !strings.ContainsAny(text[:open], "{[") {
		body := text[open+3:]
		// Skip the optional language tag on the opening fence line.
		if nl := strings.IndexByte(body, '\n'); nl != -1 {
			tag := strings.TrimSpace(body[:nl])
			if tag == "" || isFenceTag(tag) {
				body = body[nl+1:]
			}
		}
		if end := strings.LastIndex(body, "```"); end != -1 {
			body = body[:end]
		}
		text = strings.TrimSpace(body)
	}

	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return ""
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end < start {
		return strings.TrimSpace(text[start:])
	}
	return text[start : end+1]
}

func startsJSON(text string) bool {
	return strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[")
}

func isFenceTag(tag string) bool {
	for _, r := range tag {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
