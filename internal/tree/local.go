package tree

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local is a Tree rooted at a directory on the local filesystem.
type Local struct {
	baseDir string
}

// NewLocal creates a Local tree rooted at baseDir. The directory is not
// required to exist until the tree is read.
func NewLocal(baseDir string) (*Local, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("tree: failed to resolve absolute path for %q: %w", baseDir, err)
	}
	return &Local{baseDir: abs}, nil
}

func (t *Local) Root() string { return t.baseDir }

func (t *Local) Remote() bool { return false }

func (t *Local) Close() error { return nil }

// List walks the tree in lexical order. Symbolic links are included when
// they resolve to a regular file. Entries below the root that cannot be read
// are skipped.
func (t *Local) List(ctx context.Context) ([]string, error) {
	info, err := os.Stat(t.baseDir)
	if err != nil {
		return nil, fmt.Errorf("tree: %w: %s: %w", ErrUnreadable, t.baseDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tree: %w: %s is not a directory", ErrUnreadable, t.baseDir)
	}

	var files []string
	err = filepath.WalkDir(t.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == t.baseDir {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(p)
			if err != nil || !target.Mode().IsRegular() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(t.baseDir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tree: %w: %s: %w", ErrUnreadable, t.baseDir, err)
	}
	return files, nil
}

func (t *Local) Size(_ context.Context, rel string) (int64, error) {
	p, err := t.path(rel)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("tree: failed to stat %q: %w", p, err)
	}
	return info.Size(), nil
}

func (t *Local) Open(_ context.Context, rel string) (io.ReadCloser, error) {
	p, err := t.path(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("tree: failed to open %q: %w", p, err)
	}
	return f, nil
}

// path resolves rel under the root, refusing paths that climb out of it.
func (t *Local) path(rel string) (string, error) {
	p := filepath.Join(t.baseDir, filepath.FromSlash(rel))
	if p != t.baseDir && !strings.HasPrefix(p, t.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("tree: path %q escapes %s", rel, t.baseDir)
	}
	return p, nil
}
