package logging

import (
	"regexp"

	"go.uber.org/zap"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// maxLoggedText caps how much of a transcript or synthesis request reaches
// the logs.
const maxLoggedText = 200

// Redact masks email addresses, card numbers and phone numbers in user text.
func Redact(text string) string {
	out := emailPattern.ReplaceAllString(text, "[email]")
	// Cards first so long digit runs are not taken for phone numbers.
	out = cardPattern.ReplaceAllString(out, "[card]")
	out = phonePattern.ReplaceAllString(out, "[phone]")
	return out
}

// Text is a zap field carrying redacted, truncated user text.
func Text(key, text string) zap.Field {
	red := Redact(text)
	if r := []rune(red); len(r) > maxLoggedText {
		red = string(r[:maxLoggedText]) + "..."
	}
	return zap.String(key, red)
}
