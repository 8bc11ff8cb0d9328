package resolver

import (
	"regexp"
	"strings"
)

var (
	lineBreaks  = regexp.MustCompile(`\r\n?`)
	inlineSpace = regexp.MustCompile(`[ \t\f\v]+`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
)

// normalizeText trims the text, collapses runs of spaces and tabs within a
// line, converts line breaks to \n and squeezes blank-line runs to one blank
// line.
func normalizeText(s string) string {
	s = lineBreaks.ReplaceAllString(s, "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")

	return strings.TrimSpace(blankLines.ReplaceAllString(s, "\n\n"))
}
