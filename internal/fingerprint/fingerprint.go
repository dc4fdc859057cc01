// Package fingerprint derives content identities used as cache keys.
//
// Every fingerprint is the lowercase hex SHA-256 of its input. Names, paths
// and timestamps never take part.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Size is the length of every fingerprint in hex characters.
const Size = sha256.Size * 2

// FileFingerprint identifies an uploaded document by its bytes.
type FileFingerprint string

// ImageFingerprint identifies one rendered slide by its encoded payload.
type ImageFingerprint string

// ParamsFingerprint identifies a set of generation parameters.
type ParamsFingerprint string

func (f FileFingerprint) Short() string   { return short(string(f)) }
func (f ImageFingerprint) Short() string  { return short(string(f)) }
func (f ParamsFingerprint) Short() string { return short(string(f)) }

// File fingerprints raw document bytes.
func File(data []byte) FileFingerprint {
	return FileFingerprint(digest(data))
}

// Image fingerprints an encoded slide image. Callers hash the exact bytes
// they persist so a later re-read maps to the same identity.
func Image(data []byte) ImageFingerprint {
	return ImageFingerprint(digest(data))
}

// GenerationParams is everything besides the image that shapes a provider
// response.
type GenerationParams struct {
	Purpose       string
	QuestionTypes []string
	CourseContext string
	Instructions  string
	Model         string
	Verify        bool
}

// Params fingerprints generation parameters over a canonical encoding:
// question types are de-duplicated and sorted and free text is trimmed, so
// requests that only differ in ordering or surrounding whitespace share a key.
func Params(p GenerationParams) ParamsFingerprint {
	canonical := struct {
		Purpose      string   `json:"purpose"`
		Types        []string `json:"types"`
		Context      string   `json:"context"`
		Instructions string   `json:"instructions"`
		Model        string   `json:"model"`
		Verify       bool     `json:"verify"`
	}{
		Purpose:      strings.TrimSpace(p.Purpose),
		Types:        normalizeTypes(p.QuestionTypes),
		Context:      strings.TrimSpace(p.CourseContext),
		Instructions: strings.TrimSpace(p.Instructions),
		Model:        strings.TrimSpace(p.Model),
		Verify:       p.Verify,
	}
	// Marshal of a struct of strings, a string slice and a bool cannot fail.
	raw, _ := json.Marshal(canonical)
	return ParamsFingerprint(digest(raw))
}

// Valid reports whether s has the shape of a fingerprint. It guards values
// that become path segments.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func normalizeTypes(types []string) []string {
	seen := make(map[string]struct{}, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
