// Package locate finds the build artifact and its optional mapping file.
// Both searches are linear first-match scans; the permanent artifact store
// is always searched before the workspace.
package locate

import (
	"context"
	"path"
	"strings"

	"github.com/datatheorem/dtupload/internal/pattern"
	"github.com/datatheorem/dtupload/internal/sink"
	"github.com/datatheorem/dtupload/internal/tree"
)

// FileLocation identifies the file chosen for upload. Path is absolute when
// PermanentStore is true and relative to the workspace root otherwise.
type FileLocation struct {
	Path           string
	PermanentStore bool
}

// ArchivedArtifact is a file already promoted to the permanent store for
// this run.
type ArchivedArtifact struct {
	RelativePath string
}

// FileName returns the base name of the artifact.
func (a ArchivedArtifact) FileName() string {
	return path.Base(pattern.Normalize(a.RelativePath))
}

// Store is the permanent artifact directory together with the artifacts
// recorded in it.
type Store struct {
	Dir       string
	Artifacts []ArchivedArtifact
}

// FindBuild returns the first archived artifact whose file name matches m,
// falling back to the first matching file in workspace. A workspace that
// cannot be listed is reported to s and treated as empty.
func FindBuild(ctx context.Context, m *pattern.Matcher, store Store, workspace tree.Tree, s sink.Sink) (FileLocation, bool) {
	for _, a := range store.Artifacts {
		if m.Match(a.FileName()) {
			rel := strings.TrimPrefix(pattern.Normalize(a.RelativePath), "/")
			return FileLocation{
				Path:           strings.TrimSuffix(store.Dir, "/") + "/" + rel,
				PermanentStore: true,
			}, true
		}
	}

	rel, ok := findInWorkspace(ctx, m, workspace, s)
	if !ok {
		return FileLocation{}, false
	}
	return FileLocation{Path: rel}, true
}

// FindSourceMap returns the first file in workspace matching m. Mapping
// files are never promoted to the permanent store.
func FindSourceMap(ctx context.Context, m *pattern.Matcher, workspace tree.Tree, s sink.Sink) (string, bool) {
	return findInWorkspace(ctx, m, workspace, s)
}

func findInWorkspace(ctx context.Context, m *pattern.Matcher, workspace tree.Tree, s sink.Sink) (string, bool) {
	if workspace == nil {
		return "", false
	}
	files, err := workspace.List(ctx)
	if err != nil {
		s.Println(err.Error())
		return "", false
	}
	for _, f := range files {
		if m.MatchPath(f) {
			return pattern.Normalize(f), true
		}
	}
	return "", false
}
