// Package instruction implements the admission gate: pure, deterministic
// validation of an incoming natural-language instruction before any planner
// cost is incurred.
package instruction

import (
	"strings"
	"unicode"

	"github.com/deskrun/orchestrator/orcherr"
)

// Normalized is the result of a successful admission: the normalized form
// used for fingerprinting and cache lookup, and the original form preserved
// for display and the planner prompt.
type Normalized struct {
	// Original is the instruction after trimming leading/trailing whitespace,
	// but otherwise unmodified.
	Original string
	// Form is the fully normalized form: lowercased, whitespace-collapsed,
	// punctuation-stripped. Two logically equivalent instructions always
	// produce the same Form.
	Form string
}

// Admit validates instruction against the admission rules, applied in order
// with first failure wins. On success it returns the Normalized pair; on
// failure it returns a non-nil *orcherr.Error of KindValidation with one of
// ReasonEmpty, ReasonTooLong, ReasonNoContent, or ReasonForbidden.
//
// Admit is pure: it performs no I/O and is safe to call concurrently.
func Admit(raw string, nMax int) (Normalized, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Normalized{}, orcherr.New(orcherr.KindValidation, orcherr.ReasonEmpty, "instruction is empty")
	}

	if nMax <= 0 {
		nMax = 10_000
	}
	if length := utf8RuneCount(trimmed); length > nMax {
		return Normalized{}, orcherr.Errorf(orcherr.KindValidation, orcherr.ReasonTooLong,
			"instruction length %d exceeds maximum %d", length, nMax)
	}

	form := Normalize(trimmed)

	if !hasContent(form) {
		return Normalized{}, orcherr.New(orcherr.KindValidation, orcherr.ReasonNoContent,
			"instruction contains no alphabetic, CJK, or digit codepoints")
	}

	if containsForbidden(trimmed) {
		return Normalized{}, orcherr.New(orcherr.KindValidation, orcherr.ReasonForbidden,
			"instruction contains a forbidden control codepoint")
	}

	return Normalized{Original: trimmed, Form: form}, nil
}

func utf8RuneCount(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

// hasContent reports whether s contains at least one letter or digit
// codepoint. unicode.IsLetter already covers CJK ranges in Go's Unicode
// tables, so no separate CJK check is needed.
func hasContent(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// containsForbidden reports whether s contains a disallowed control
// codepoint. The disallowed set is the C0 and C1 control ranges excluding
// the whitespace controls (tab, newline, carriage return) that legitimately
// appear in multi-line instructions.
func containsForbidden(s string) bool {
	for _, r := range s {
		if isForbiddenControl(r) {
			return true
		}
	}
	return false
}

func isForbiddenControl(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	}
	if r < 0x20 || r == 0x7f {
		return true
	}
	if r >= 0x80 && r <= 0x9f {
		return true
	}
	return false
}
