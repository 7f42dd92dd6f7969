// Package commitmsg builds commit messages for agent-authored changes,
// preferring an executor-provided message and falling back to a sanitized
// task title.
package commitmsg

import (
	"fmt"
	"strings"
)

// subjectLimit is the conventional git subject line length, in runes.
const subjectLimit = 72

// conversationalPrefixes are stripped from titles that started life as a
// chat response. Longest prefixes first so the most specific match wins.
var conversationalPrefixes = []string{
	"Perfect! Let me ",
	"Perfect! ",
	"Good, I can see ",
	"Good, I ",
	"Good, ",
	"Let me ",
	"I'll ",
	"I will ",
	"I can ",
	"Sure, I'll ",
	"Sure, ",
	"Okay, I'll ",
	"Okay, ",
	"Great! I'll ",
	"Great! ",
}

// conversationalPatterns invalidate an executor-provided message whose first
// line still reads like chat output.
var conversationalPatterns = []string{
	"Perfect!",
	"Good, I",
	"Let me",
	"I'll",
	"I will",
	"I can see",
	"Sure,",
	"Okay,",
}

// Generate builds a commit message from task context.
//
// Priority order: a valid executor-generated message wins; otherwise the
// message is constructed from the sanitized task title, the issue reference,
// and a filtered description body.
func Generate(title, description string, issueNumber int, executorMessage string) string {
	if IsValid(executorMessage) {
		return executorMessage
	}
	return format(title, description, issueNumber)
}

// IsValid reports whether an executor-provided commit message is usable:
// non-empty, a sane subject length, and not conversational.
func IsValid(msg string) bool {
	if msg == "" {
		return false
	}

	firstLine, _, _ := strings.Cut(msg, "\n")
	for _, pattern := range conversationalPatterns {
		if strings.HasPrefix(firstLine, pattern) {
			return false
		}
	}
	return len(firstLine) > 5 && len(firstLine) < 200
}

// format assembles subject, issue suffix, and description body.
func format(title, description string, issueNumber int) string {
	message := SanitizeTitle(title)

	if issueNumber > 0 {
		message = fmt.Sprintf("%s (#%d)", message, issueNumber)
	}

	if description != "" {
		body := sanitizeDescription(description)
		if body != "" && len(body) < 500 {
			message += "\n\n" + body
		}
	}
	return message
}

// SanitizeTitle turns a possibly conversational task title into a commit
// subject: prefix stripped, first line only, truncated to 72 runes, trailing
// ellipsis removed.
func SanitizeTitle(raw string) string {
	cleaned := strings.TrimSpace(raw)

	for _, prefix := range conversationalPrefixes {
		if stripped, ok := strings.CutPrefix(cleaned, prefix); ok {
			cleaned = stripped
			break
		}
	}

	cleaned, _, _ = strings.Cut(cleaned, "\n")

	// Truncate by runes, not bytes, so multi-byte characters never split.
	runes := []rune(cleaned)
	if len(runes) > subjectLimit {
		cleaned = string(runes[:subjectLimit])
	}

	cleaned = strings.TrimSuffix(cleaned, "…")
	cleaned = strings.TrimSuffix(cleaned, "...")
	return strings.TrimSpace(cleaned)
}

// sanitizeDescription drops markdown tables, separators, and section headers,
// then keeps at most 10 lines of plain text.
func sanitizeDescription(raw string) string {
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "|") ||
			strings.HasPrefix(trimmed, "---") ||
			strings.HasPrefix(trimmed, "## ") ||
			strings.HasPrefix(trimmed, "### ") {
			continue
		}
		// Skip leading empty lines
		if len(kept) == 0 && trimmed == "" {
			continue
		}
		kept = append(kept, line)
		if len(kept) == 10 {
			break
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
