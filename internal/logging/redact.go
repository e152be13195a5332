package logging

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	bearerPattern = regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._\-]+`)
	// ElevenLabs keys are sk_ followed by hex.
	elevenKeyPattern = regexp.MustCompile(`sk_[a-f0-9]{32,}`)
	dsnPassword      = regexp.MustCompile(`(postgres(?:ql)?://[^:/@\s]+:)[^@\s]+@`)
)

// Redact masks credentials and common PII in free text such as transcripts.
func Redact(input string) (redacted string, changed bool) {
	out := input
	replace := func(re *regexp.Regexp, repl string) {
		next := re.ReplaceAllString(out, repl)
		changed = changed || next != out
		out = next
	}

	replace(bearerPattern, "Bearer [REDACTED]")
	replace(elevenKeyPattern, "[REDACTED_KEY]")
	replace(dsnPassword, "${1}[REDACTED]@")
	replace(emailPattern, "[REDACTED_EMAIL]")
	// Cards before phones; a card number also matches the phone pattern.
	replace(cardPattern, "[REDACTED_CARD]")
	replace(phonePattern, "[REDACTED_PHONE]")
	return out, changed
}
