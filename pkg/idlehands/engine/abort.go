// abort.go detects natural-language cancellation phrases so a user can stop
// an active run without waiting for a structured /stop command.
package engine

import (
	"regexp"
	"strings"
	"unicode"
)

// abortTriggers contains standalone phrases that trigger a cancellation.
var abortTriggers = map[string]bool{
	"stop": true, "abort": true, "cancel": true, "halt": true, "exit": true,
	"interrupt": true, "please stop": true, "stop please": true,
	"stop that": true, "stop now": true,
	"stop the run": true, "stop current run": true,
	"stop the agent": true, "stop agent": true,
	"don't do that": true, "do not do that": true,
}

// trailingPunctuationRE matches trailing punctuation stripped before matching.
var trailingPunctuationRE = regexp.MustCompile(`[.!?,;:'"\])}]+$`)

// IsAbortTrigger reports whether text, on its own, is a cancellation request.
func IsAbortTrigger(text string) bool {
	normalized := normalizeAbortText(text)
	if normalized == "" {
		return false
	}
	if normalized == "/stop" {
		return true
	}
	return abortTriggers[normalized]
}

func normalizeAbortText(text string) string {
	normalized := strings.ToLower(text)
	normalized = strings.Map(func(r rune) rune {
		if r == '’' || r == '‘' || r == '`' {
			return '\''
		}
		return r
	}, normalized)
	normalized = trailingPunctuationRE.ReplaceAllString(normalized, "")
	normalized = strings.Join(strings.Fields(normalized), " ")
	return strings.TrimSpace(normalized)
}

// IsAbortRequestText checks text for both the /stop command and natural
// language cancellation phrases.
func IsAbortRequestText(text string) bool {
	if text == "" {
		return false
	}
	normalized := normalizeAbortText(text)
	if normalized == "" {
		return false
	}
	if normalized == "/stop" || strings.HasPrefix(normalized, "/stop") {
		return true
	}
	return abortTriggers[normalized]
}

// FormatAbortReply formats the reply after a run is cancelled, noting how
// many spawned sub-agents were also stopped.
func FormatAbortReply(stoppedSubagents int) string {
	if stoppedSubagents <= 0 {
		return "Run stopped."
	}
	if stoppedSubagents == 1 {
		return "Run stopped. 1 sub-agent also stopped."
	}
	return "Run stopped. Sub-agents stopped."
}

// HasAbortPrefix checks if text starts with a recognized cancellation prefix,
// for early detection before a full turn completes.
func HasAbortPrefix(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	prefixes := []string{"/stop", "stop", "abort", "cancel", "halt", "exit"}
	for _, p := range prefixes {
		if strings.HasPrefix(text, p) {
			rest := text[len(p):]
			if rest == "" || unicode.IsSpace(rune(rest[0])) || unicode.IsPunct(rune(rest[0])) {
				return true
			}
		}
	}
	return false
}
