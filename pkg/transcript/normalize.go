package transcript

import (
	"regexp"
	"strings"
)

var (
	excessNewlines = regexp.MustCompile(`\n{3,}`)
	repeatedSpaces = regexp.MustCompile(`[^\S\n]{2,}`)
	paddedEmphasis = regexp.MustCompile(`\*\*\s+([^*]+?)\s+\*\*`)
)

// Normalize cleans up a completed assistant answer. It must only run on complete
// content: a marker split across two fragments would otherwise be mangled.
func Normalize(content string) string {
	content = excessNewlines.ReplaceAllString(content, "\n\n")
	content = repeatedSpaces.ReplaceAllString(content, " ")
	content = paddedEmphasis.ReplaceAllString(content, "**$1**")
	return strings.TrimSpace(content)
}
