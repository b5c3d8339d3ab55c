// Package workspace abstracts the edited context the corrective loop
// operates on. The orchestrator never mutates content directly: it saves
// before handing off to the fixer and reloads afterwards to pick up
// external edits.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Buffer is the editor-buffer interface boundary. An editor integration
// supplies its own implementation; the CLI uses the file-backed one.
type Buffer interface {
	Path() string
	Language() string
	Save(ctx context.Context) error
	Reload(ctx context.Context) error
	Contents() string
}

var languageByExtension = map[string]string{
	".go":   "go",
	".py":   "python",
	".rb":   "ruby",
	".rs":   "rust",
	".js":   "javascript",
	".jsx":  "javascriptreact",
	".ts":   "typescript",
	".tsx":  "typescriptreact",
	".c":    "c",
	".h":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".java": "java",
	".kt":   "kotlin",
	".sh":   "sh",
	".lua":  "lua",
	".zig":  "zig",
	".ex":   "elixir",
	".exs":  "elixir",
}

// DetectLanguage maps a file path to its language tag. Unknown extensions
// fall back to "text".
func DetectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(path)))
	if language, ok := languageByExtension[ext]; ok {
		return language
	}
	return "text"
}

// FileBuffer is the file-backed Buffer used by the CLI. Content lives on
// disk; Reload re-reads it so callers observe edits made by the fixer.
type FileBuffer struct {
	path     string
	language string
	contents string
}

// OpenFile loads an existing regular file as a workspace buffer. The
// language tag is inferred from the extension unless overridden.
func OpenFile(path string, languageOverride string) (*FileBuffer, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%q is not a regular file", abs)
	}

	language := strings.TrimSpace(languageOverride)
	if language == "" {
		language = DetectLanguage(abs)
	}

	buffer := &FileBuffer{path: abs, language: language}
	if err := buffer.Reload(context.Background()); err != nil {
		return nil, err
	}
	return buffer, nil
}

// Path returns the absolute file path backing this buffer.
func (b *FileBuffer) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

// Language returns the language tag passed to the fixer subprocess.
func (b *FileBuffer) Language() string {
	if b == nil {
		return ""
	}
	return b.language
}

// Save persists the in-memory contents. For a file-backed buffer the disk
// copy is authoritative, so Save only writes when contents diverge.
func (b *FileBuffer) Save(ctx context.Context) error {
	if b == nil {
		return errors.New("buffer is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	current, err := os.ReadFile(b.path) // #nosec G304 -- path was validated at open time.
	if err == nil && string(current) == b.contents {
		return nil
	}
	if err := os.WriteFile(b.path, []byte(b.contents), 0o600); err != nil {
		return fmt.Errorf("save %q: %w", b.path, err)
	}
	return nil
}

// Reload replaces in-memory contents from persisted storage.
func (b *FileBuffer) Reload(ctx context.Context) error {
	if b == nil {
		return errors.New("buffer is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(b.path) // #nosec G304 -- path was validated at open time.
	if err != nil {
		return fmt.Errorf("reload %q: %w", b.path, err)
	}
	b.contents = string(data)
	return nil
}

// Contents returns the buffer text as of the last reload.
func (b *FileBuffer) Contents() string {
	if b == nil {
		return ""
	}
	return b.contents
}

var _ Buffer = (*FileBuffer)(nil)
