package telegram

import (
	"strings"
	"testing"
)

func TestRenderHTML_Inline(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"This is **bold** text", "This is <b>bold</b> text"},
		{"This is *italic* text", "This is <i>italic</i> text"},
		{"**bold** and *italic*", "<b>bold</b> and <i>italic</i>"},
		{"Use `fmt.Println` here", "Use <code>fmt.Println</code> here"},
		{"Use `*not bold*` here", "Use <code>*not bold*</code> here"},
		{"Click [here](https://example.com)", `Click <a href="https://example.com">here</a>`},
		{"Use <script> & tags", "Use &lt;script&gt; &amp; tags"},
		{"Just plain text, nothing special.", "Just plain text, nothing special."},
	}
	for _, tt := range tests {
		if got := RenderHTML(tt.in); got != tt.want {
			t.Errorf("RenderHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderHTML_Blocks(t *testing.T) {
	got := RenderHTML("# Pipeline abcd1234\n- step 1\n  - nested")
	want := "<b>Pipeline abcd1234</b>\n• step 1\n  • nested"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderHTML_CodeBlock(t *testing.T) {
	got := RenderHTML("before\n```go\nfunc main() {\n\tif a < b {}\n}\n```\nafter")
	want := "before\n<pre><code class=\"language-go\">func main() {\n\tif a &lt; b {}\n}</code></pre>\nafter"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}

	if got := RenderHTML("```\n**raw**\n```"); got != "<pre><code>**raw**</code></pre>" {
		t.Errorf("unlabelled fence = %q", got)
	}
	if got := RenderHTML("```\nunterminated"); got != "<pre><code>unterminated</code></pre>" {
		t.Errorf("unterminated fence = %q", got)
	}
}

func TestPlainText(t *testing.T) {
	md := "**bold** and *italic* with `code` and [link](https://example.com)\n```go\nx := 1\n```"
	got := PlainText(md)
	if strings.ContainsAny(got, "*`") {
		t.Errorf("expected stripped markdown, got %q", got)
	}
	if !strings.Contains(got, "link (https://example.com)") {
		t.Errorf("expected link converted, got %q", got)
	}
	if !strings.Contains(got, "x := 1") || strings.Contains(got, "go\n") {
		t.Errorf("expected fence content without language, got %q", got)
	}
}

func TestSplit(t *testing.T) {
	if got := Split("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("short = %q", got)
	}

	got := Split("line one\nline two\nline three", 18)
	if len(got) != 2 || got[0] != "line one\nline two" || got[1] != "line three" {
		t.Errorf("line split = %q", got)
	}

	got = Split(strings.Repeat("é", 10), 5)
	for _, c := range got {
		if len(c) > 5 || !strings.HasPrefix(c, "é") {
			t.Errorf("chunk %q cuts a rune", c)
		}
	}
	if strings.Join(got, "") != strings.Repeat("é", 10) {
		t.Errorf("chunks lost text: %q", got)
	}

	if got := Split("", 10); len(got) != 0 {
		t.Errorf("empty = %q", got)
	}
}
