package util

import (
	"regexp"
	"strings"
)

var phoneJunk = regexp.MustCompile(`[^\d\+]+`)

// NormalizePhone strips separators and normalizes international prefixes
// into E.164-like format. Recipients whose numbers cannot be normalized
// are still sent as-is; the gateway does its own final validation.
func NormalizePhone(raw string) string {
	s := phoneJunk.ReplaceAllString(strings.TrimSpace(raw), "")

	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}

	return s
}
