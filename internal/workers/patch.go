package workers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	fileMarker   = "=== FILE: "
	deleteMarker = "=== DELETE: "
	endMarker    = "=== END"
)

var ErrPathEscapes = errors.New("path escapes workspace")

// FileChange is one entry of a file-block patch. Delete removes Path.
type FileChange struct {
	Path    string
	Content string
	Delete  bool
}

// ParsePatch reads the file-block format:
//
//	=== FILE: relative/path
//	<content>
//	=== END
//	=== DELETE: relative/path
func ParsePatch(patch string) ([]FileChange, error) {
	var changes []FileChange
	var cur *FileChange
	var body strings.Builder
	sc := bufio.NewScanner(strings.NewReader(patch))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		switch {
		case cur != nil && text == endMarker:
			cur.Content = body.String()
			changes = append(changes, *cur)
			cur = nil
			body.Reset()
		case cur != nil:
			body.WriteString(text)
			body.WriteByte('\n')
		case strings.HasPrefix(text, fileMarker):
			cur = &FileChange{Path: strings.TrimSpace(strings.TrimPrefix(text, fileMarker))}
		case strings.HasPrefix(text, deleteMarker):
			changes = append(changes, FileChange{Path: strings.TrimSpace(strings.TrimPrefix(text, deleteMarker)), Delete: true})
		case strings.TrimSpace(text) == "":
		default:
			return nil, fmt.Errorf("patch line %d: unexpected %q", line, text)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, fmt.Errorf("patch: block for %s not terminated", cur.Path)
	}
	return changes, nil
}

// FormatPatch renders changes in the file-block format.
func FormatPatch(changes []FileChange) string {
	var b strings.Builder
	for _, c := range changes {
		if c.Delete {
			fmt.Fprintf(&b, "%s%s\n", deleteMarker, c.Path)
			continue
		}
		fmt.Fprintf(&b, "%s%s\n", fileMarker, c.Path)
		b.WriteString(c.Content)
		if c.Content != "" && !strings.HasSuffix(c.Content, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(endMarker + "\n")
	}
	return b.String()
}

// cleanRelative rejects absolute paths and any path leaving the root.
func cleanRelative(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	p = filepath.ToSlash(p)
	if path.IsAbs(p) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, p)
	}
	return clean, nil
}

// FilePatchApplier writes file-block patches below a workspace root.
type FilePatchApplier struct {
	Fs afero.Fs
}

func (a FilePatchApplier) Apply(_ context.Context, workspace, patch string) (int, error) {
	changes, err := ParsePatch(patch)
	if err != nil {
		return 0, err
	}
	// Validate the whole patch before touching the workspace.
	for i, c := range changes {
		clean, err := cleanRelative(c.Path)
		if err != nil {
			return 0, err
		}
		changes[i].Path = clean
	}
	fs := a.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(workspace, 0o755); err != nil {
		return 0, err
	}
	root := afero.NewBasePathFs(fs, workspace)
	for _, c := range changes {
		if c.Delete {
			if err := root.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return 0, fmt.Errorf("delete %s: %w", c.Path, err)
			}
			continue
		}
		if dir := path.Dir(c.Path); dir != "." {
			if err := root.MkdirAll(dir, 0o755); err != nil {
				return 0, err
			}
		}
		if err := afero.WriteFile(root, c.Path, []byte(c.Content), 0o644); err != nil {
			return 0, fmt.Errorf("write %s: %w", c.Path, err)
		}
	}
	return len(changes), nil
}
