package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	maxReadSize  = 100 * 1024
	maxListDepth = 4
)

// resolve maps path onto the tool's root: the bound workspace when there is
// one, otherwise dir. Relative paths are taken from the root and the result
// may not leave it.
func resolve(ctx context.Context, dir, path string) (abs, base string, err error) {
	if path == "" {
		return "", "", fmt.Errorf("path is required")
	}
	if ws := workspaceDir(ctx); ws != "" {
		dir = ws
	}
	if dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	abs, err = filepath.Abs(path)
	if err != nil {
		return "", "", fmt.Errorf("invalid path: %w", err)
	}
	if dir == "" {
		return abs, "", nil
	}
	base, _ = filepath.Abs(dir)
	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q is outside %q", abs, base)
	}
	return abs, base, nil
}

// writable rejects paths inside the checkout's git metadata.
func writable(abs, base string) error {
	rel := abs
	if base != "" {
		rel, _ = filepath.Rel(base, abs)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".git" {
			return fmt.Errorf("refusing to modify git metadata at %s", rel)
		}
	}
	return nil
}

// display shows abs relative to base when possible.
func display(abs, base string) string {
	if base == "" {
		return abs
	}
	if rel, err := filepath.Rel(base, abs); err == nil {
		return rel
	}
	return abs
}

func getString(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

// getInt reads a numeric parameter. JSON numbers decode as float64.
func getInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func getBool(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func pathParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// --- read_file ---

// ReadFileTool returns a file's contents, optionally a numbered line range.
type ReadFileTool struct{ AllowedDir string }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the checkout. With start_line/end_line, returns only those lines, numbered"
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       pathParam("File path, relative to the checkout"),
			"start_line": map[string]any{"type": "integer", "description": "First line to return (1-based)"},
			"end_line":   map[string]any{"type": "integer", "description": "Last line to return, inclusive"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	abs, _, err := resolve(ctx, t.AllowedDir, getString(params, "path"))
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}

	start, end := getInt(params, "start_line", 0), getInt(params, "end_line", 0)
	if start <= 0 && end <= 0 {
		if len(data) > maxReadSize {
			return string(data[:maxReadSize]) + "\n... [truncated]", nil
		}
		return string(data), nil
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", fmt.Errorf("read_file: line range %d-%d is empty (file has %d lines)", start, end, len(lines))
	}
	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
	}
	return b.String(), nil
}

// --- write_file ---

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct{ AllowedDir string }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file in the checkout, creating parent directories"
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    pathParam("File path, relative to the checkout"),
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	abs, base, err := resolve(ctx, t.AllowedDir, getString(params, "path"))
	if err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	if err := writable(abs, base); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	content := getString(params, "content")
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("write_file: create dirs: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	return fmt.Sprintf("wrote %s (%d bytes)", display(abs, base), len(content)), nil
}

// --- edit_file ---

// EditFileTool replaces text in an existing file.
type EditFileTool struct{ AllowedDir string }

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace old_text with new_text in a file. old_text must match exactly once unless replace_all is set"
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":        pathParam("File path, relative to the checkout"),
			"old_text":    map[string]any{"type": "string", "description": "Exact text to replace"},
			"new_text":    map[string]any{"type": "string", "description": "Replacement text"},
			"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	abs, base, err := resolve(ctx, t.AllowedDir, getString(params, "path"))
	if err != nil {
		return "", fmt.Errorf("edit_file: %w", err)
	}
	if err := writable(abs, base); err != nil {
		return "", fmt.Errorf("edit_file: %w", err)
	}
	oldText := getString(params, "old_text")
	if oldText == "" {
		return "", fmt.Errorf("edit_file: old_text is required")
	}
	newText := getString(params, "new_text")

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("edit_file: %w", err)
	}
	content := string(data)
	name := display(abs, base)

	count := strings.Count(content, oldText)
	switch {
	case count == 0:
		return "", fmt.Errorf("edit_file: old_text not found in %s", name)
	case count > 1 && !getBool(params, "replace_all"):
		return "", fmt.Errorf("edit_file: old_text matches %d times in %s; add context or set replace_all", count, name)
	}

	if err := os.WriteFile(abs, []byte(strings.ReplaceAll(content, oldText, newText)), 0o644); err != nil {
		return "", fmt.Errorf("edit_file: write: %w", err)
	}
	return fmt.Sprintf("edited %s (%d replacement(s))", name, count), nil
}

// --- list_dir ---

// ListDirTool prints a directory tree, directories first. Git metadata is
// skipped.
type ListDirTool struct{ AllowedDir string }

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List a directory of the checkout as a tree with file sizes"
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  pathParam("Directory, relative to the checkout (default: the root)"),
			"depth": map[string]any{"type": "integer", "description": "Levels to descend, 1-4 (default 1)"},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	dir := getString(params, "path")
	if dir == "" {
		dir = "."
	}
	abs, _, err := resolve(ctx, t.AllowedDir, dir)
	if err != nil {
		return "", fmt.Errorf("list_dir: %w", err)
	}
	depth := min(max(getInt(params, "depth", 1), 1), maxListDepth)

	var b strings.Builder
	if err := listTree(&b, abs, "", depth); err != nil {
		return "", fmt.Errorf("list_dir: %w", err)
	}
	if b.Len() == 0 {
		return "(empty)", nil
	}
	return b.String(), nil
}

func listTree(b *strings.Builder, dir, indent string, depth int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].IsDir() && !entries[j].IsDir()
	})
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		if e.IsDir() {
			fmt.Fprintf(b, "%s%s/\n", indent, e.Name())
			if depth > 1 {
				if err := listTree(b, filepath.Join(dir, e.Name()), indent+"  ", depth-1); err != nil {
					return err
				}
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(b, "%s%s  %d bytes\n", indent, e.Name(), info.Size())
	}
	return nil
}
