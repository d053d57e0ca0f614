package chat

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ExtractPrompt looks for the first standalone "@ai" token, matched
// case-insensitively. The token must start the text or follow whitespace,
// and must end the text or be followed by whitespace, ':' or ','.
// The prompt is the text with the token and one following separator
// removed. An empty prompt is not a trigger.
func ExtractPrompt(body string) (string, bool) {
	for i := 0; i+3 <= len(body); i++ {
		if body[i] != '@' || body[i+1]|0x20 != 'a' || body[i+2]|0x20 != 'i' {
			continue
		}
		if i > 0 {
			prev, _ := utf8.DecodeLastRuneInString(body[:i])
			if !unicode.IsSpace(prev) {
				continue
			}
		}
		end := i + 3
		if end < len(body) {
			next, size := utf8.DecodeRuneInString(body[end:])
			if !isTriggerSeparator(next) {
				continue
			}
			end += size
		}
		prompt := strings.TrimSpace(body[:i] + body[end:])
		if prompt == "" {
			return "", false
		}
		return prompt, true
	}
	return "", false
}

func isTriggerSeparator(r rune) bool {
	return r == ':' || r == ',' || unicode.IsSpace(r)
}
