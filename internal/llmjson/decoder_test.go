package llmjson_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"slide-guide/internal/llmjson"
	"slide-guide/internal/questions"
)

func TestRepairLiteralNewlineAndTrailingComma(t *testing.T) {
	broken := "{\"question\": \"Line one\nLine two\", \"answer\": \"B\",}"
	clean := `{"question": "Line one\nLine two", "answer": "B"}`

	dec := llmjson.NewDecoder()
	var got map[string]any
	if err := dec.Unmarshal(broken, &got); err != nil {
		t.Fatalf("decode repaired input: %v", err)
	}

	var want map[string]any
	if err := json.Unmarshal([]byte(clean), &want); err != nil {
		t.Fatalf("decode reference: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("repaired decode = %#v, want %#v", got, want)
	}
	if dec.Repairs() != 1 {
		t.Fatalf("expected exactly one repair pass, got %d", dec.Repairs())
	}
}

func TestValidInputSkipsRepair(t *testing.T) {
	inputs := []string{
		`{"question": "Line one\nLine two", "answer": "B"}`,
		`[{"a": [1, 2, {"b": "x,]"}]}]`,
		"```json\n{\"k\": \"v\"}\n```",
	}
	for _, input := range inputs {
		dec := llmjson.NewDecoder()
		var got any
		if err := dec.Unmarshal(input, &got); err != nil {
			t.Fatalf("decode %q: %v", input, err)
		}

		var want any
		if err := json.Unmarshal([]byte(llmjson.Extract(input)), &want); err != nil {
			t.Fatalf("reference decode %q: %v", input, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("decode %q = %#v, want %#v", input, got, want)
		}
		if dec.Repairs() != 0 || dec.Parses() != 1 {
			t.Fatalf("valid input %q cost %d parses and %d repairs", input, dec.Parses(), dec.Repairs())
		}
	}
}

func TestRepairOnlyTouchesStringContents(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "newline between tokens kept",
			input: "{\n\t\"a\": \"x\ty\"\n}",
			want:  "{\n\t\"a\": \"x\\ty\"\n}",
		},
		{
			name:  "escaped quote does not end the string",
			input: "{\"a\": \"say \\\"hi\n\\\" now\"}",
			want:  "{\"a\": \"say \\\"hi\\n\\\" now\"}",
		},
		{
			name:  "comma inside string kept",
			input: `{"a": "x, }", "b": [1, 2, ],}`,
			want:  `{"a": "x, }", "b": [1, 2 ]}`,
		},
		{
			name:  "trailing comma before whitespace and bracket",
			input: "[1, 2,\n  ]",
			want:  "[1, 2\n  ]",
		},
		{
			name:  "escaped backslash before closing quote",
			input: "{\"p\": \"C:\\\\\", \"q\": \"a\nb\"}",
			want:  "{\"p\": \"C:\\\\\", \"q\": \"a\\nb\"}",
		},
		{
			name:  "carriage return escaped",
			input: "{\"a\": \"x\r\ny\"}",
			want:  "{\"a\": \"x\\r\\ny\"}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := llmjson.Repair(tt.input); got != tt.want {
				t.Fatalf("Repair(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"fenced with tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced without tag", "```\n[1,2]\n```", `[1,2]`},
		{"prose around object", "Here you go:\n{\"a\":1}\nHope this helps!", `{"a":1}`},
		{"prose before fence", "Sure!\n```json\n{\"a\":1}\n```\nDone.", `{"a":1}`},
		{"no json", "I cannot help with that.", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := llmjson.Extract(tt.input); got != tt.want {
				t.Fatalf("Extract(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMalformedResponses(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unbalanced braces", `{"questions": [{"type": "open_ended", "question": "q"}`},
		{"no json at all", "The slide shows a diagram of the cell."},
		{"wrong schema", `{"questions": [{"type": "short_answer", "prompt": "p"}]}`},
		{"unknown kind", `{"questions": [{"type": "essay", "question": "q"}]}`},
		{"empty list", `{"questions": []}`},
		{"object without questions", `{"items": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := llmjson.NewDecoder()
			_, err := dec.Questions(tt.input)
			if err == nil {
				t.Fatal("expected an error")
			}
			var malformed *llmjson.MalformedResponseError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedResponseError, got %T: %v", err, err)
			}
			if malformed.Raw != tt.input {
				t.Fatalf("raw text not preserved: %q", malformed.Raw)
			}
			if !llmjson.IsMalformed(err) {
				t.Fatal("IsMalformed should report true")
			}
		})
	}
}

func TestSchemaErrorsDoNotTriggerRepair(t *testing.T) {
	dec := llmjson.NewDecoder()
	_, err := dec.Questions(`{"questions": [{"type": "true_false", "statement": "s"}]}`)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, questions.ErrInvalidRecord) {
		t.Fatalf("expected the schema cause to be preserved, got %v", err)
	}
	if dec.Repairs() != 0 {
		t.Fatalf("schema failure should not run repair, got %d", dec.Repairs())
	}
}

func TestQuestionsWithModelDefects(t *testing.T) {
	raw := "```json\n{\n  \"questions\": [\n    {\"type\": \"open_ended\", \"question\": \"Explain the\nsecond step\", \"example_answer\": \"It binds.\",},\n    {\"type\": \"put_in_order\", \"instruction\": \"Order:\", \"items\": [\"a\", \"b\", \"c\",], \"correct_order\": [2, 0, 1]},\n  ]\n}\n```"

	dec := llmjson.NewDecoder()
	set, err := dec.Questions(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(set))
	}
	open, ok := set[0].(*questions.OpenEnded)
	if !ok {
		t.Fatalf("expected open ended first, got %T", set[0])
	}
	if open.Question != "Explain the\nsecond step" || open.ExampleAnswer != "It binds." {
		t.Fatalf("unexpected open ended record %#v", open)
	}
	order := set[1].(*questions.Ordering)
	if got := order.Ordered(); !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if dec.Repairs() != 1 {
		t.Fatalf("expected one repair, got %d", dec.Repairs())
	}
}

func TestFenceCharactersInsideStrings(t *testing.T) {
	const question = "What does a line of three backticks (```) start in Markdown? End the block with }."
	plain := `{"questions":[{"type":"open_ended","question":"What does a line of three backticks (` + "```" + `) start in Markdown? End the block with }."}]}`

	tests := []struct {
		name       string
		input      string
		wantParses int64
	}{
		{"plain", plain, 1},
		{"fenced", "```json\n" + plain + "\n```", 1},
		{"prose and fence", "Here you go:\n```json\n" + plain + "\n```\nLet me know if you need more.", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := llmjson.NewDecoder()
			set, err := dec.Questions(tt.input)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(set) != 1 || set[0].Text() != question {
				t.Fatalf("decoded %v", set)
			}
			if dec.Repairs() != 0 || dec.Parses() != tt.wantParses {
				t.Fatalf("valid input cost %d parses and %d repairs", dec.Parses(), dec.Repairs())
			}
		})
	}

	if got := llmjson.Extract(plain); got != plain {
		t.Fatalf("Extract(%q) = %q", plain, got)
	}
	var direct map[string]any
	if err := json.Unmarshal([]byte(plain), &direct); err != nil {
		t.Fatalf("reference decode: %v", err)
	}
}

func TestTrailingProseAfterObject(t *testing.T) {
	dec := llmjson.NewDecoder()
	var got map[string]int
	if err := dec.Unmarshal("{\"a\": 1}\nHope this helps!", &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["a"] != 1 || dec.Repairs() != 0 {
		t.Fatalf("got %v after %d repairs", got, dec.Repairs())
	}
}
