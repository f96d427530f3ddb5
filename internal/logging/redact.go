package logging

import (
	"regexp"
	"unicode/utf8"

	"go.uber.org/zap"
)

// previewRunes bounds how much user text reaches the logs.
const previewRunes = 80

type redaction struct {
	pattern *regexp.Regexp
	mask    string
}

// Cards go before phones so long digit runs are not reported as phone numbers.
var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[card]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[phone]"},
}

// Redact masks e-mail addresses, card numbers and phone numbers in s.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.mask)
	}
	return s
}

// Preview returns a redacted, truncated field for logging user text.
func Preview(key, text string) zap.Field {
	out := Redact(text)
	if utf8.RuneCountInString(out) > previewRunes {
		out = string([]rune(out)[:previewRunes]) + "…"
	}
	return zap.String(key, out)
}
