package llmjson

import "strings"

type scanState int

const (
	outside scanState = iota
	inString
	inEscape
)

// Repair fixes the two defects language models commonly emit: raw control
// characters inside string values and trailing commas before a closing
// bracket. Text outside string values is never rewritten by the first pass,
// and string contents are never touched by the second.
func Repair(text string) string {
	return dropTrailingCommas(escapeControlChars(text))
}

// escapeControlChars escapes literal newlines, carriage returns and tabs that
// appear inside string values.
func escapeControlChars(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 16)

	state := outside
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch state {
		case outside:
			if c == '"' {
				state = inString
			}
			b.WriteByte(c)
		case inString:
			switch c {
			case '\\':
				state = inEscape
				b.WriteByte(c)
			case '"':
				state = outside
				b.WriteByte(c)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				b.WriteByte(c)
			}
		case inEscape:
			state = inString
			b.WriteByte(c)
		}
	}
	return b.String()
}

// dropTrailingCommas removes a comma that is followed, after optional
// whitespace, by ] or }. Commas inside strings are left alone.
func dropTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	state := outside
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch state {
		case inString:
			if c == '\\' {
				state = inEscape
			} else if c == '"' {
				state = outside
			}
		case inEscape:
			state = inString
		case outside:
			if c == '"' {
				state = inString
			} else if c == ',' && closesNext(text, i+1) {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func closesNext(text string, from int) bool {
	for j := from; j < len(text); j++ {
		switch text[j] {
		case ' ', '\t', '\n', '\r':
			continue
		case ']', '}':
			return true
		default:
			return false
		}
	}
	return false
}
