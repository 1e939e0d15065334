// Package names validates and derives drone display names.
package names

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxLen is the display-name length limit in runes.
const MaxLen = 80

// MaxDraftLen is the length limit for auto-drafted dash-case names.
const MaxDraftLen = 48

var dashCaseRe = regexp.MustCompile(`^[a-z0-9-]+$`)

// Validate checks a user-supplied display name: 1-80 runes, no newlines.
func Validate(name string) error {
	if name == "" {
		return errors.New("name must not be empty")
	}
	if utf8.RuneCountInString(name) > MaxLen {
		return fmt.Errorf("name exceeds %d characters", MaxLen)
	}
	if strings.ContainsAny(name, "\r\n") {
		return errors.New("name must not contain newlines")
	}
	return nil
}

// IsDashCase reports whether s is a valid auto-assigned name: lowercase
// letters, digits and dashes only.
func IsDashCase(s string) bool {
	return s != "" && dashCaseRe.MatchString(s)
}

// Dashify normalizes free-form text (typically an LLM response) into a
// dash-case name of at most maxLen runes. Returns "" when nothing usable
// remains, which callers treat as "skip the draft".
func Dashify(s string, maxLen int) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := true // suppress leading dashes
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == ' ' || r == '-' || r == '_' || r == '/' || r == '.':
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if maxLen > 0 && utf8.RuneCountInString(out) > maxLen {
		out = string([]rune(out)[:maxLen])
		out = strings.Trim(out, "-")
	}
	return out
}

// WithSuffix appends a numeric conflict suffix, trimming the base so the
// result stays within MaxDraftLen.
func WithSuffix(name string, n int) string {
	suffix := fmt.Sprintf("-%d", n)
	limit := MaxDraftLen - len(suffix)
	if utf8.RuneCountInString(name) > limit {
		name = strings.Trim(string([]rune(name)[:limit]), "-")
	}
	return name + suffix
}
