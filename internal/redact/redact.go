// Package redact masks caller PII before it reaches logs.
package redact

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Text masks emails, card numbers and phone numbers in free text such as
// caller transcripts.
func Text(input string) string {
	out := emailPattern.ReplaceAllString(input, "[email]")
	// Cards first so long digit runs are not taken for phone numbers.
	out = cardPattern.ReplaceAllString(out, "[card]")
	return phonePattern.ReplaceAllString(out, "[phone]")
}

// PhoneNumber keeps the last four digits of an E.164 number.
func PhoneNumber(n string) string {
	n = strings.TrimSpace(n)
	digits := 0
	for _, r := range n {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return n
	}
	var b strings.Builder
	seen := 0
	for _, r := range n {
		if r < '0' || r > '9' {
			b.WriteRune(r)
			continue
		}
		seen++
		if seen <= digits-4 {
			b.WriteByte('*')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
