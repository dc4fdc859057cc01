package questions

import (
	"fmt"
	"strings"
)

// Display renders a question as the multi-line preview used on review
// screens and in exports.
func Display(r Record) string {
	badge := "[" + r.Kind().Label() + "]"
	switch q := r.(type) {
	case *OpenEnded:
		notes := q.NotesPrompt
		if notes == "" {
			notes = DefaultNotesPrompt
		}
		return fmt.Sprintf("%s %s\n%s", badge, q.Question, notes)
	case *ShortAnswer:
		return fmt.Sprintf("%s %s\n*Answer: %s*", badge, q.Prompt, q.Answer)
	case *FillInBlank:
		return fmt.Sprintf("%s %s\n*Answer: %s*", badge, q.Sentence, q.Answer)
	case *TrueFalse:
		answer := "False"
		if q.Answer {
			answer = "True"
		}
		return fmt.Sprintf("%s %s\n○ True  ○ False\n*Answer: %s*", badge, q.Statement, answer)
	case *MultipleChoice:
		return fmt.Sprintf("%s %s\n%s\n*Answer: %s*", badge, q.Question, strings.Join(q.Options, "  "), q.Answer)
	case *Ordering:
		boxed := make([]string, len(q.Items))
		for i, item := range q.Items {
			boxed[i] = "[ " + item + " ]"
		}
		correct := "N/A"
		if ordered := q.Ordered(); len(ordered) > 0 {
			correct = strings.Join(ordered, " → ")
		}
		return fmt.Sprintf("%s %s\n%s\n*Correct order: %s*", badge, q.Text(), strings.Join(boxed, " → "), correct)
	default:
		return badge + " " + r.Text()
	}
}

// AnswerText is the short answer column used in history rows. Open-ended
// questions have none.
func AnswerText(r Record) string {
	switch q := r.(type) {
	case *ShortAnswer:
		return q.Answer
	case *FillInBlank:
		return q.Answer
	case *TrueFalse:
		if q.Answer {
			return "True"
		}
		return "False"
	case *MultipleChoice:
		return q.Answer
	case *Ordering:
		return strings.Join(q.Ordered(), " → ")
	default:
		return ""
	}
}
