package slackconn

import (
	"regexp"
	"strings"
)

var (
	mdLink    = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	mdBold    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdItalic  = regexp.MustCompile(`\*([^*\s][^*]*)\*`)
	mdStrike  = regexp.MustCompile(`~~([^~]+)~~`)
	mdHeading = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
)

// MarkdownToMrkdwn converts the Markdown used in relay messages to Slack's
// mrkdwn. Fenced blocks and inline code pass through untouched.
func MarkdownToMrkdwn(md string) string {
	lines := strings.Split(md, "\n")
	fenced := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			fenced = !fenced
			continue
		}
		if fenced {
			continue
		}
		if m := mdHeading.FindStringSubmatch(line); m != nil {
			line = "**" + m[1] + "**"
		}
		lines[i] = outsideCode(line, inline)
	}
	return strings.Join(lines, "\n")
}

// inline rewrites emphasis and links. Bold becomes a placeholder first so
// the italic pass does not see its asterisks.
func inline(s string) string {
	s = mdLink.ReplaceAllString(s, "<$2|$1>")
	s = mdBold.ReplaceAllString(s, "\x00$1\x00")
	s = mdItalic.ReplaceAllString(s, "_${1}_")
	s = mdStrike.ReplaceAllString(s, "~$1~")
	return strings.ReplaceAll(s, "\x00", "*")
}

// outsideCode applies fn to the parts of line between backtick spans. Text
// after an unclosed backtick counts as code.
func outsideCode(line string, fn func(string) string) string {
	parts := strings.Split(line, "`")
	for i := 0; i < len(parts); i += 2 {
		parts[i] = fn(parts[i])
	}
	return strings.Join(parts, "`")
}
