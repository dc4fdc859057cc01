package questions_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"slide-guide/internal/questions"
)

func boolPtr(v bool) *bool { return &v }

func sampleSet() questions.Set {
	return questions.Set{
		&questions.OpenEnded{
			Meta:        questions.Meta{Selected: boolPtr(true), ExampleAnswer: "Macrophages engulf pathogens."},
			Question:    "Why does the innate response act first?",
			NotesPrompt: questions.DefaultNotesPrompt,
		},
		&questions.ShortAnswer{
			Prompt: "What does PAMP stand for?",
			Answer: "Pathogen-Associated Molecular Patterns",
		},
		&questions.FillInBlank{
			Meta:     questions.Meta{Selected: boolPtr(false)},
			Sentence: "The _____ is responsible for energy production.",
			Answer:   "mitochondria",
		},
		&questions.TrueFalse{
			Statement: "Antibodies are produced by T cells.",
			Answer:    false,
		},
		&questions.MultipleChoice{
			Question: "Which cell presents antigen?",
			Options:  []string{"A) Neutrophil", "B) Dendritic cell", "C) Erythrocyte", "D) Platelet"},
			Answer:   "B",
		},
		&questions.Ordering{
			Instruction:  "Arrange these steps in order:",
			Items:        []string{"Recognition", "Activation", "Clearance"},
			CorrectOrder: []int{0, 1, 2},
		},
	}
}

func TestSetRoundTrip(t *testing.T) {
	original := sampleSet()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded questions.Set
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip mismatch\nwant %#v\ngot  %#v", original, decoded)
	}

	again, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(again) != string(data) {
		t.Fatalf("serialization not stable:\n%s\n%s", data, again)
	}

	seen := make(map[questions.Kind]bool)
	for _, rec := range decoded {
		seen[rec.Kind()] = true
	}
	for _, k := range questions.Kinds() {
		if !seen[k] {
			t.Errorf("kind %s missing from round trip", k)
		}
	}
}

func TestSetAcceptsWrappedAndBareForms(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"wrapped", `{"questions":[{"type":"short_answer","prompt":"p","answer":"a"}]}`, 1},
		{"bare", `[{"type":"true_false","statement":"s","answer":true},{"type":"open_ended","question":"q"}]`, 2},
		{"empty wrapped", `{"questions":[]}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var set questions.Set
			if err := json.Unmarshal([]byte(tt.input), &set); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(set) != tt.want {
				t.Fatalf("expected %d questions, got %d", tt.want, len(set))
			}
		})
	}
}

func TestUnmarshalRecordRejectsWrongShape(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown type", `{"type":"essay","question":"q"}`},
		{"missing type", `{"question":"q"}`},
		{"open ended without question", `{"type":"open_ended","notes_prompt":"x"}`},
		{"short answer without answer", `{"type":"short_answer","prompt":"p"}`},
		{"fill in blank without sentence", `{"type":"fill_in_blank","answer":"a"}`},
		{"true false without answer", `{"type":"true_false","statement":"s"}`},
		{"true false with null answer", `{"type":"true_false","statement":"s","answer":null}`},
		{"multiple choice with one option", `{"type":"multiple_choice","question":"q","options":["A) x"],"answer":"A"}`},
		{"multiple choice answer out of range", `{"type":"multiple_choice","question":"q","options":["A) x","B) y"],"answer":"D"}`},
		{"ordering not a permutation", `{"type":"put_in_order","items":["a","b","c"],"correct_order":[0,0,1]}`},
		{"ordering index out of range", `{"type":"put_in_order","items":["a","b"],"correct_order":[0,2]}`},
		{"ordering length mismatch", `{"type":"put_in_order","items":["a","b"],"correct_order":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := questions.UnmarshalRecord([]byte(tt.input))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !errors.Is(err, questions.ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestTrueFalseAcceptsQuotedBoolean(t *testing.T) {
	rec, err := questions.UnmarshalRecord([]byte(`{"type":"true_false","statement":"s","answer":"True"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tf, ok := rec.(*questions.TrueFalse)
	if !ok || !tf.Answer {
		t.Fatalf("expected a true answer, got %#v", rec)
	}
}

func TestMultipleChoiceCorrectIndex(t *testing.T) {
	options := []string{"A) one", "B) two", "C) three"}
	tests := []struct {
		answer string
		want   int
	}{
		{"A", 0},
		{"b", 1},
		{"C)", 2},
		{"B) two", 1},
		{"D", -1},
		{"", -1},
		{"Both", -1},
	}
	for _, tt := range tests {
		q := &questions.MultipleChoice{Question: "q", Options: options, Answer: tt.answer}
		if got := q.CorrectIndex(); got != tt.want {
			t.Errorf("CorrectIndex(%q) = %d, want %d", tt.answer, got, tt.want)
		}
	}
}

func TestDisplay(t *testing.T) {
	set := sampleSet()
	tests := []struct {
		rec  questions.Record
		want []string
	}{
		{set[0], []string{"[Open-ended]", "[Your notes:]"}},
		{set[1], []string{"[Short Answer]", "*Answer: Pathogen-Associated Molecular Patterns*"}},
		{set[3], []string{"[True/False]", "○ True  ○ False", "*Answer: False*"}},
		{set[4], []string{"[Multiple Choice]", "A) Neutrophil  B) Dendritic cell"}},
		{set[5], []string{"[Put in order]", "[ Recognition ] → [ Activation ]", "*Correct order: Recognition → Activation → Clearance*"}},
	}
	for _, tt := range tests {
		got := questions.Display(tt.rec)
		for _, fragment := range tt.want {
			if !strings.Contains(got, fragment) {
				t.Errorf("Display(%s) = %q, missing %q", tt.rec.Kind(), got, fragment)
			}
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	original := sampleSet()
	copied := original.Clone()

	copied[0].Common().SetSelected(false)
	copied[4].(*questions.MultipleChoice).Options[0] = "changed"
	copied[5].(*questions.Ordering).CorrectOrder[0] = 2

	if !original[0].Common().IsSelected() {
		t.Fatal("clone shares the selected flag")
	}
	if original[4].(*questions.MultipleChoice).Options[0] != "A) Neutrophil" {
		t.Fatal("clone shares options")
	}
	if original[5].(*questions.Ordering).CorrectOrder[0] != 0 {
		t.Fatal("clone shares correct order")
	}
}

func TestParseKind(t *testing.T) {
	if k, err := questions.ParseKind(" Put_In_Order "); err != nil || k != questions.KindOrdering {
		t.Fatalf("ParseKind = %q, %v", k, err)
	}
	if _, err := questions.ParseKind("essay"); err == nil {
		t.Fatal("expected unknown kind error")
	}
}
