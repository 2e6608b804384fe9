package conversation

import (
	"regexp"
	"strings"
)

var (
	networkErrorRe = regexp.MustCompile(`(?i)network|offline|internet`)
	timeoutErrorRe = regexp.MustCompile(`(?i)timeout|time out|timed out|took too long|aborted`)
	serverErrorRe  = regexp.MustCompile(`(?i)\b5\d\d\b|internal server|server error`)

	blankLinesRe = regexp.MustCompile(`\n\s*\n\s*\n+`)
)

// ClassifyError assigns a display category to an error message.
func ClassifyError(msg string) ErrorType {
	switch {
	case networkErrorRe.MatchString(msg):
		return ErrorNetwork
	case timeoutErrorRe.MatchString(msg):
		return ErrorTimeout
	case serverErrorRe.MatchString(msg):
		return ErrorServer
	default:
		return ErrorUnknown
	}
}

// CleanText trims input and collapses runs of blank lines into one.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
