// Package redact masks personal data in free text.
package redact

import "regexp"

// Placeholders substituted for matched spans.
const (
	EmailPlaceholder = "<EMAIL>"
	PhonePlaceholder = "<PHONE>"
)

var (
	emailRE = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	// Phone numbers need at least 9 digits so dates and version strings survive.
	phoneRE = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// Scrub replaces email addresses and phone numbers in s with placeholders.
func Scrub(s string) string {
	if s == "" {
		return s
	}
	s = emailRE.ReplaceAllString(s, EmailPlaceholder)
	return phoneRE.ReplaceAllStringFunc(s, func(m string) string {
		if digitCount(m) < 9 {
			return m
		}
		return PhonePlaceholder
	})
}

// ContainsPII reports whether Scrub would change s.
func ContainsPII(s string) bool {
	return Scrub(s) != s
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
