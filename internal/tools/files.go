package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/felix-agent/felix/internal/llm"
)

const (
	defaultReadLines = 500
	maxGrepResults   = 100
)

// ValidatePath resolves target against root and rejects anything outside it.
func ValidatePath(root, target string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(rootAbs, target)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(rootAbs, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("Access denied: %s is outside workspace", target)
	}
	return resolved, nil
}

// FileTools returns read, write, edit, ls, glob and grep confined to root.
func FileTools(root string) []ToolExecutor {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	ft := fileTools{root: root}
	pathProp := map[string]interface{}{
		"type":        "string",
		"description": "Relative path within the workspace",
	}
	return []ToolExecutor{
		toolExecutor{
			definition: llm.ToolDefinition{
				Name:        "read",
				Description: "Read the contents of a file. Use this to view file contents.",
				InputSchema: map[string]interface{}{
					"path": pathProp,
					"offset": map[string]interface{}{
						"type":        "number",
						"description": "Line number to start reading from (1-indexed)",
					},
					"limit": map[string]interface{}{
						"type":        "number",
						"description": "Number of lines to read (default: 500)",
					},
				},
				Required: []string{"path"},
			},
			run: ft.read,
		},
		toolExecutor{
			definition: llm.ToolDefinition{
				Name:        "write",
				Description: "Write content to a file. Creates the file if it doesn't exist, overwrites if it does.",
				InputSchema: map[string]interface{}{
					"path":    pathProp,
					"content": map[string]interface{}{"type": "string"},
				},
				Required: []string{"path", "content"},
			},
			run: ft.write,
		},
		toolExecutor{
			definition: llm.ToolDefinition{
				Name:        "edit",
				Description: "Edit a file by replacing the first occurrence of some text.",
				InputSchema: map[string]interface{}{
					"path":    pathProp,
					"find":    map[string]interface{}{"type": "string", "description": "Text to find"},
					"replace": map[string]interface{}{"type": "string", "description": "Replacement text"},
				},
				Required: []string{"path", "find", "replace"},
			},
			run: ft.edit,
		},
		toolExecutor{
			definition: llm.ToolDefinition{
				Name:        "ls",
				Description: "List files and directories in a folder.",
				InputSchema: map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Relative path to directory (default: workspace root)",
					},
				},
			},
			run: ft.ls,
		},
		toolExecutor{
			definition: llm.ToolDefinition{
				Name:        "glob",
				Description: "Find files whose name matches a pattern with * and ? wildcards.",
				InputSchema: map[string]interface{}{
					"pattern": map[string]interface{}{"type": "string", "description": "File name pattern, e.g. *.md"},
				},
				Required: []string{"pattern"},
			},
			run: ft.glob,
		},
		toolExecutor{
			definition: llm.ToolDefinition{
				Name:        "grep",
				Description: "Search for text patterns in files using regular expressions.",
				InputSchema: map[string]interface{}{
					"pattern": map[string]interface{}{"type": "string", "description": "Regular expression"},
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory to search in (default: workspace root)",
					},
				},
				Required: []string{"pattern"},
			},
			run: ft.grep,
		},
	}
}

type fileTools struct {
	root string
}

func (ft fileTools) read(_ context.Context, input map[string]any) (string, error) {
	path, err := ValidatePath(ft.root, stringArg(input, "path"))
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", errors.New("File not found")
	}
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return "", errors.New("Path is a directory, not a file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	lines := strings.Split(string(data), "\n")
	offset := intArg(input, "offset") - 1
	if offset < 0 {
		offset = 0
	}
	limit := intArg(input, "limit")
	if limit <= 0 {
		limit = defaultReadLines
	}
	total := len(lines)
	start := min(offset, total)
	end := min(offset+limit, total)

	content := strings.Join(lines[start:end], "\n")
	if total > limit {
		content += fmt.Sprintf("\n\n[Showing %d-%d of %d lines]", offset+1, end, total)
	}
	return content, nil
}

func (ft fileTools) write(_ context.Context, input map[string]any) (string, error) {
	path, err := ValidatePath(ft.root, stringArg(input, "path"))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	content := stringArg(input, "content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), stringArg(input, "path")), nil
}

func (ft fileTools) edit(_ context.Context, input map[string]any) (string, error) {
	path, err := ValidatePath(ft.root, stringArg(input, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", errors.New("File not found")
	}
	if err != nil {
		return "", err
	}
	find := stringArg(input, "find")
	content := string(data)
	if !strings.Contains(content, find) {
		return "", errors.New("Text not found in file")
	}
	updated := strings.Replace(content, find, stringArg(input, "replace"), 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return "", err
	}
	return "Edited " + stringArg(input, "path"), nil
}

func (ft fileTools) ls(_ context.Context, input map[string]any) (string, error) {
	target := stringArg(input, "path")
	if target == "" {
		target = "."
	}
	dir, err := ValidatePath(ft.root, target)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", errors.New("Directory not found")
	}
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", errors.New("Path is not a directory")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name()+"/")
		} else {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}

func (ft fileTools) glob(_ context.Context, input map[string]any) (string, error) {
	pattern := stringArg(input, "pattern")
	if pattern == "" {
		return "", errors.New("missing required parameter: pattern")
	}
	matches, err := globFiles(ft.root, pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No files matched", nil
	}
	return strings.Join(matches, "\n"), nil
}

// globFiles matches file names (not paths) against pattern, skipping dot
// directories. A pattern without wildcards is checked as a literal path.
func globFiles(root, pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?") {
		path, err := ValidatePath(root, pattern)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); err != nil {
			return nil, nil
		}
		return []string{pattern}, nil
	}

	// Only the final element is matched; "**/*.md" behaves like "*.md".
	namePattern := pattern
	if i := strings.LastIndexAny(pattern, `/\`); i >= 0 {
		namePattern = pattern[i+1:]
	}
	re, err := globToRegexp(namePattern)
	if err != nil {
		return nil, err
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && re.MatchString(d.Name()) {
			rel, _ := filepath.Rel(root, path)
			matches = append(matches, rel)
		}
		return nil
	})
	return matches, err
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func (ft fileTools) grep(ctx context.Context, input map[string]any) (string, error) {
	pattern := stringArg(input, "pattern")
	if pattern == "" {
		return "", errors.New("missing required parameter: pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	target := stringArg(input, "path")
	if target == "" {
		target = "."
	}
	dir, err := ValidatePath(ft.root, target)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return "No matches", nil
	}

	var results []string
	errLimit := errors.New("limit")
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		rel, _ := filepath.Rel(ft.root, path)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if re.MatchString(text) {
				results = append(results, fmt.Sprintf("%s:%d: %s", rel, line, strings.TrimSpace(text)))
				if len(results) >= maxGrepResults {
					return errLimit
				}
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errLimit) {
		return "", walkErr
	}
	if len(results) == 0 {
		return "No matches", nil
	}
	return strings.Join(results, "\n"), nil
}
