package telegram

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxMessageLen is Telegram's limit on one message's text.
const maxMessageLen = 4096

var (
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic     = regexp.MustCompile(`\*(.+?)\*`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reHeading    = regexp.MustCompile(`^#{1,6}\s+(.*)$`)
	reBullet     = regexp.MustCompile(`^(\s*)[-*]\s+`)
	reFence      = regexp.MustCompile("```[\\s\\S]*?```")
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// RenderHTML converts the Markdown used in relay messages to Telegram's HTML
// subset: fenced and inline code, bold, italic, links, headings and bullets.
func RenderHTML(md string) string {
	lines := strings.Split(md, "\n")
	out := make([]string, 0, len(lines))
	inFence := false

	for _, line := range lines {
		if lang, ok := strings.CutPrefix(line, "```"); ok {
			switch {
			case inFence:
				out = append(out, "</code></pre>")
			case strings.TrimSpace(lang) != "":
				out = append(out, `<pre><code class="language-`+htmlEscaper.Replace(strings.TrimSpace(lang))+`">`)
			default:
				out = append(out, "<pre><code>")
			}
			inFence = !inFence
			continue
		}
		if inFence {
			out = append(out, htmlEscaper.Replace(line))
			continue
		}
		out = append(out, renderLine(line))
	}
	if inFence {
		out = append(out, "</code></pre>")
	}

	// Fence markers sit on their own lines in Markdown but must hug the code
	// in HTML.
	html := strings.Join(out, "\n")
	html = strings.ReplaceAll(html, "\">\n", "\">")
	html = strings.ReplaceAll(html, "<pre><code>\n", "<pre><code>")
	html = strings.ReplaceAll(html, "\n</code></pre>", "</code></pre>")
	return html
}

func renderLine(line string) string {
	if m := reHeading.FindStringSubmatch(line); m != nil {
		return "<b>" + renderInline(m[1]) + "</b>"
	}
	if m := reBullet.FindStringSubmatch(line); m != nil {
		return m[1] + "• " + renderInline(line[len(m[0]):])
	}
	return renderInline(line)
}

// renderInline formats one line outside code fences. Code spans are cut out
// first so their contents are escaped but never formatted.
func renderInline(line string) string {
	var b strings.Builder
	rest := line
	for {
		loc := reInlineCode.FindStringSubmatchIndex(rest)
		if loc == nil {
			b.WriteString(formatText(rest))
			return b.String()
		}
		b.WriteString(formatText(rest[:loc[0]]))
		b.WriteString("<code>" + htmlEscaper.Replace(rest[loc[2]:loc[3]]) + "</code>")
		rest = rest[loc[1]:]
	}
}

func formatText(s string) string {
	s = htmlEscaper.Replace(s)
	s = reBold.ReplaceAllString(s, "<b>$1</b>")
	s = reItalic.ReplaceAllString(s, "<i>$1</i>")
	return reLink.ReplaceAllString(s, `<a href="$2">$1</a>`)
}

// PlainText removes Markdown formatting. It is the fallback when Telegram
// rejects the rendered HTML.
func PlainText(md string) string {
	s := reFence.ReplaceAllStringFunc(md, func(fence string) string {
		inner := strings.TrimSuffix(strings.TrimPrefix(fence, "```"), "```")
		if i := strings.IndexByte(inner, '\n'); i >= 0 {
			inner = inner[i+1:] // language tag
		}
		return inner
	})
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reBold.ReplaceAllString(s, "$1")
	s = reItalic.ReplaceAllString(s, "$1")
	return reLink.ReplaceAllString(s, "$1 ($2)")
}

// Split breaks text into chunks of at most limit bytes, preferring line
// boundaries and never cutting a UTF-8 sequence.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = maxMessageLen
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
