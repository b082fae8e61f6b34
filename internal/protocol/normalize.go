package protocol

import "strings"

// maxErrorRunes bounds user-facing error text
const maxErrorRunes = 280

// Provider-internal wrapper prefixes stripped before display. Matched
// case-sensitively at the start of the message, repeatedly.
var wrapperPrefixes = []string{
	"AI_APICallError:",
	"AI_RetryError:",
	"InvalidToolArgumentsError:",
	"Error invoking remote method:",
	"Error:",
}

// NormalizeErrorText turns raw provider error text into something fit for
// display: wrapper prefixes stripped, whitespace collapsed, length bounded.
func NormalizeErrorText(raw string) string {
	text := strings.TrimSpace(raw)

	for changed := true; changed; {
		changed = false
		for _, prefix := range wrapperPrefixes {
			if rest, ok := strings.CutPrefix(text, prefix); ok {
				text = strings.TrimSpace(rest)
				changed = true
			}
		}
	}

	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) > maxErrorRunes {
		text = string(runes[:maxErrorRunes-1]) + "…"
	}

	if text == "" {
		return "The assistant ran into a problem. Please try again."
	}
	return text
}
