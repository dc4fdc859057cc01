package fingerprint_test

import (
	"fmt"
	"testing"

	"slide-guide/internal/fingerprint"
)

func TestFileIsDeterministic(t *testing.T) {
	data := []byte("%PDF-1.7 sample deck")
	first := fingerprint.File(data)
	second := fingerprint.File(append([]byte(nil), data...))
	if first != second {
		t.Fatalf("expected identical fingerprints, got %s and %s", first, second)
	}
	if !fingerprint.Valid(string(first)) {
		t.Fatalf("expected a valid fingerprint, got %q", first)
	}
}

func TestFileDistinguishesContent(t *testing.T) {
	seen := make(map[fingerprint.FileFingerprint]string)
	for i := 0; i < 256; i++ {
		input := fmt.Sprintf("deck-%d", i)
		fp := fingerprint.File([]byte(input))
		if prev, ok := seen[fp]; ok {
			t.Fatalf("collision between %q and %q", prev, input)
		}
		seen[fp] = input
	}
	if fingerprint.File(nil) == fingerprint.File([]byte{0}) {
		t.Fatal("empty input and a single zero byte must differ")
	}
}

func TestImageMatchesFileDigestSpace(t *testing.T) {
	data := []byte{0xff, 0xd8, 0xff, 0xe0}
	if string(fingerprint.Image(data)) != string(fingerprint.File(data)) {
		t.Fatal("image and file fingerprints should hash the same bytes the same way")
	}
}

func TestParamsCanonicalization(t *testing.T) {
	base := fingerprint.GenerationParams{
		Purpose:       "questions",
		QuestionTypes: []string{"short_answer", "open_ended"},
		CourseContext: "Immunology 101",
		Instructions:  "Focus on innate immunity",
		Model:         "gpt-4o-mini",
	}

	tests := []struct {
		name  string
		other fingerprint.GenerationParams
		equal bool
	}{
		{
			name: "type order and duplicates ignored",
			other: fingerprint.GenerationParams{
				Purpose:       "questions",
				QuestionTypes: []string{"open_ended", "short_answer", "open_ended"},
				CourseContext: "Immunology 101",
				Instructions:  "Focus on innate immunity",
				Model:         "gpt-4o-mini",
			},
			equal: true,
		},
		{
			name: "surrounding whitespace ignored",
			other: fingerprint.GenerationParams{
				Purpose:       "questions",
				QuestionTypes: []string{" Short_Answer", "open_ended "},
				CourseContext: "  Immunology 101\n",
				Instructions:  "Focus on innate immunity ",
				Model:         "gpt-4o-mini",
			},
			equal: true,
		},
		{
			name: "different context",
			other: fingerprint.GenerationParams{
				Purpose:       "questions",
				QuestionTypes: []string{"short_answer", "open_ended"},
				CourseContext: "Immunology 102",
				Instructions:  "Focus on innate immunity",
				Model:         "gpt-4o-mini",
			},
			equal: false,
		},
		{
			name: "different model",
			other: fingerprint.GenerationParams{
				Purpose:       "questions",
				QuestionTypes: []string{"short_answer", "open_ended"},
				CourseContext: "Immunology 101",
				Instructions:  "Focus on innate immunity",
				Model:         "gpt-4o",
			},
			equal: false,
		},
		{
			name: "different purpose",
			other: fingerprint.GenerationParams{
				Purpose:       "intro",
				QuestionTypes: []string{"short_answer", "open_ended"},
				CourseContext: "Immunology 101",
				Instructions:  "Focus on innate immunity",
				Model:         "gpt-4o-mini",
			},
			equal: false,
		},
	}

	want := fingerprint.Params(base)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fingerprint.Params(tt.other)
			if (got == want) != tt.equal {
				t.Fatalf("Params equality = %v, want %v", got == want, tt.equal)
			}
		})
	}
}

func TestValid(t *testing.T) {
	good := string(fingerprint.File([]byte("x")))
	cases := map[string]bool{
		good:             true,
		good[:10]:        false,
		"../" + good[3:]: false,
		good[:63] + "G":  false,
		"":               false,
	}
	for input, want := range cases {
		if got := fingerprint.Valid(input); got != want {
			t.Errorf("Valid(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestShort(t *testing.T) {
	fp := fingerprint.File([]byte("deck"))
	if got := fp.Short(); len(got) != 12 || got != string(fp)[:12] {
		t.Fatalf("unexpected short form %q", got)
	}
}
