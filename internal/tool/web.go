package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	defaultFetchChars = 50 * 1024
	maxFetchBytes     = 2 << 20
	fetchTimeout      = 30 * time.Second
)

// WebFetchTool retrieves a page and reduces HTML to its readable text. The
// context and documentation steps use it for linked tickets and design docs.
type WebFetchTool struct {
	Client *http.Client
	// AllowHosts restricts fetches to these hosts and their subdomains.
	// Empty allows any host.
	AllowHosts []string
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch an http(s) URL such as a linked ticket or design doc and return its readable text"
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":       map[string]any{"type": "string", "description": "Absolute http or https URL"},
			"max_chars": map[string]any{"type": "integer", "description": "Truncate the text after this many characters (default 51200)"},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	u, err := t.target(getString(params, "url"))
	if err != nil {
		return "", err
	}
	limit := getInt(params, "max_chars", defaultFetchChars)
	if limit <= 0 {
		limit = defaultFetchChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("web_fetch: %w", err)
	}
	req.Header.Set("User-Agent", "relay-agent/1.0")

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web_fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("web_fetch: %s returned HTTP %d", u.Host, resp.StatusCode)
	}
	body := io.LimitReader(resp.Body, maxFetchBytes)

	if !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("web_fetch: read: %w", err)
		}
		return clip(string(raw), limit), nil
	}

	article, err := readability.FromReader(body, u)
	if err != nil {
		return "", fmt.Errorf("web_fetch: parse: %w", err)
	}
	var text bytes.Buffer
	if err := article.RenderText(&text); err != nil {
		return "", fmt.Errorf("web_fetch: render: %w", err)
	}

	title := article.Title()
	if title == "" {
		title = u.String()
	}
	return fmt.Sprintf("# %s\nSource: %s\n\n%s", title, u, clip(strings.TrimSpace(text.String()), limit)), nil
}

// target validates raw against the scheme and host rules.
func (t *WebFetchTool) target(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("web_fetch: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("web_fetch: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("web_fetch: unsupported scheme %q", u.Scheme)
	}
	if len(t.AllowHosts) > 0 && !hostAllowed(u.Hostname(), t.AllowHosts) {
		return nil, fmt.Errorf("web_fetch: host %s is not allowed", u.Hostname())
	}
	return u, nil
}

func hostAllowed(host string, allow []string) bool {
	return slices.ContainsFunc(allow, func(a string) bool {
		return host == a || strings.HasSuffix(host, "."+a)
	})
}

// clip truncates s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n... [truncated]"
}
