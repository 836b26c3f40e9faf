package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

const designDoc = `<!DOCTYPE html>
<html><head><title>Checkout Redesign</title></head>
<body><nav>Home | Docs</nav><article><h1>Checkout Redesign</h1>
<p>The payment form moves to a single page. Card validation happens client side before submit,
and the order summary stays visible while the user edits the shipping address.</p>
<p>Rollout is gated behind the new_checkout flag for two weeks.</p></article></body>
</html>`

func serve(t *testing.T, contentType, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebFetch_HTML(t *testing.T) {
	srv := serve(t, "text/html; charset=utf-8", designDoc, http.StatusOK)

	out, err := (&WebFetchTool{}).Execute(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "# Checkout Redesign\nSource: "+srv.URL) {
		t.Errorf("missing header, got %q", out)
	}
	if !strings.Contains(out, "new_checkout flag") {
		t.Errorf("article text missing, got %q", out)
	}
}

func TestWebFetch_PlainTextClipped(t *testing.T) {
	srv := serve(t, "text/plain", "ENG-42: fix rounding in invoice totals", http.StatusOK)

	out, err := (&WebFetchTool{}).Execute(context.Background(), map[string]any{"url": srv.URL, "max_chars": float64(6)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ENG-42\n... [truncated]" {
		t.Errorf("got %q", out)
	}
}

func TestWebFetch_HTTPError(t *testing.T) {
	srv := serve(t, "text/plain", "", http.StatusNotFound)

	_, err := (&WebFetchTool{}).Execute(context.Background(), map[string]any{"url": srv.URL})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestWebFetch_RejectsBadTargets(t *testing.T) {
	tool := &WebFetchTool{AllowHosts: []string{"example.com"}}
	for _, raw := range []string{"", "file:///etc/passwd", "ftp://example.com/x", "https://evil.test/doc"} {
		if _, err := tool.Execute(context.Background(), map[string]any{"url": raw}); err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}

func TestWebFetch_AllowHosts(t *testing.T) {
	srv := serve(t, "text/plain", "ok", http.StatusOK)
	u, _ := url.Parse(srv.URL)

	tool := &WebFetchTool{AllowHosts: []string{u.Hostname()}}
	out, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	if err != nil || out != "ok" {
		t.Fatalf("got %q, %v", out, err)
	}

	if !hostAllowed("docs.example.com", []string{"example.com"}) {
		t.Error("subdomain should be allowed")
	}
	if hostAllowed("badexample.com", []string{"example.com"}) {
		t.Error("suffix without a dot should not match")
	}
}
