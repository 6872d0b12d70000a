package locate_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatheorem/dtupload/internal/locate"
	"github.com/datatheorem/dtupload/internal/pattern"
	"github.com/datatheorem/dtupload/internal/sink"
	"github.com/datatheorem/dtupload/internal/tree"
)

func mustCompile(t *testing.T, p string) *pattern.Matcher {
	t.Helper()
	m, err := pattern.Compile(p)
	require.NoError(t, err)
	return m
}

func TestFindBuild_PermanentStoreWins(t *testing.T) {
	ctx := context.Background()
	ws := tree.NewMockTree()

	store := locate.Store{
		Dir: "/var/jenkins/jobs/app/builds/12/archive",
		Artifacts: []locate.ArchivedArtifact{
			{RelativePath: "outputs/notes.txt"},
			{RelativePath: "outputs/build-1.2.3.apk"},
			{RelativePath: "outputs/build-1.2.4.apk"},
		},
	}

	loc, ok := locate.FindBuild(ctx, mustCompile(t, "build-*.apk"), store, ws, sink.Discard)

	require.True(t, ok)
	assert.Equal(t, locate.FileLocation{
		Path:           "/var/jenkins/jobs/app/builds/12/archive/outputs/build-1.2.3.apk",
		PermanentStore: true,
	}, loc)
	ws.AssertNotCalled(t, "List", ctx)
}

func TestFindBuild_FallsBackToWorkspace(t *testing.T) {
	ctx := context.Background()
	ws := tree.NewMockTree()
	ws.On("List", ctx).Return([]string{"README.md", "app/build-9.apk", "build-1.apk"}, nil)

	store := locate.Store{
		Dir:       "/archive",
		Artifacts: []locate.ArchivedArtifact{{RelativePath: "app.ipa"}},
	}

	loc, ok := locate.FindBuild(ctx, mustCompile(t, "build-*.apk"), store, ws, sink.Discard)

	require.True(t, ok)
	assert.Equal(t, locate.FileLocation{Path: "app/build-9.apk"}, loc)
	ws.AssertExpectations(t)
}

func TestFindBuild_NotFound(t *testing.T) {
	ctx := context.Background()
	ws := tree.NewMockTree()
	ws.On("List", ctx).Return([]string{"a.ipa", "b.txt"}, nil)

	_, ok := locate.FindBuild(ctx, mustCompile(t, "build-*.apk"), locate.Store{}, ws, sink.Discard)
	assert.False(t, ok)
}

func TestFindBuild_UnreadableWorkspaceIsLoggedNotFatal(t *testing.T) {
	ctx := context.Background()
	ws := tree.NewMockTree()
	ws.On("List", ctx).Return(nil, fmt.Errorf("tree: %w: /gone", tree.ErrUnreadable))

	var lines sink.Lines
	_, ok := locate.FindBuild(ctx, mustCompile(t, "*.apk"), locate.Store{}, ws, &lines)

	assert.False(t, ok)
	require.Len(t, lines.Snapshot(), 1)
	assert.Contains(t, lines.Snapshot()[0], "tree unreadable")
}

func TestFindBuild_PermanentStoreStillSearchedWhenWorkspaceBroken(t *testing.T) {
	store := locate.Store{
		Dir:       "/archive/",
		Artifacts: []locate.ArchivedArtifact{{RelativePath: `sub\app.ipa`}},
	}

	loc, ok := locate.FindBuild(context.Background(), mustCompile(t, "*.ipa"), store, nil, sink.Discard)

	require.True(t, ok)
	assert.Equal(t, "/archive/sub/app.ipa", loc.Path)
	assert.True(t, loc.PermanentStore)
}

func TestFindSourceMap(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"app/build/mapping/release/mapping.txt", "app/build/outputs/app.apk"} {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	ws, err := tree.NewLocal(root)
	require.NoError(t, err)

	rel, ok := locate.FindSourceMap(context.Background(), mustCompile(t, "mapping.txt"), ws, sink.Discard)
	require.True(t, ok)
	assert.Equal(t, "app/build/mapping/release/mapping.txt", rel)

	_, ok = locate.FindSourceMap(context.Background(), mustCompile(t, "symbols.txt"), ws, sink.Discard)
	assert.False(t, ok)
}

func TestReadManifest(t *testing.T) {
	artifacts, err := locate.ReadManifest(strings.NewReader("# archived\noutputs/app.apk\n\n  outputs/mapping.txt  \n"))
	require.NoError(t, err)
	assert.Equal(t, []locate.ArchivedArtifact{
		{RelativePath: "outputs/app.apk"},
		{RelativePath: "outputs/mapping.txt"},
	}, artifacts)
	assert.Equal(t, "app.apk", artifacts[0].FileName())
}

func TestRecordStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.ipa"), []byte("ipa"), 0o644))
	local, err := tree.NewLocal(dir)
	require.NoError(t, err)

	store, err := locate.RecordStore(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, dir, store.Dir)
	assert.Equal(t, []locate.ArchivedArtifact{{RelativePath: "app.ipa"}}, store.Artifacts)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, err := locate.OpenStore(ctx, "", nil, sink.Discard)
	require.NoError(t, err)
	assert.Empty(t, store.Artifacts)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out", "app.apk"), []byte("x"), 0o644))

	store, err = locate.OpenStore(ctx, dir, nil, sink.Discard)
	require.NoError(t, err)
	assert.Equal(t, []locate.ArchivedArtifact{{RelativePath: "out/app.apk"}}, store.Artifacts)

	store, err = locate.OpenStore(ctx, dir, []string{"other/app.ipa"}, sink.Discard)
	require.NoError(t, err)
	assert.Equal(t, dir, store.Dir)
	assert.Equal(t, []locate.ArchivedArtifact{{RelativePath: "other/app.ipa"}}, store.Artifacts)
}

func TestOpenStore_UnreadableDirIsEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	lines := &sink.Lines{}

	store, err := locate.OpenStore(context.Background(), dir, nil, lines)

	require.NoError(t, err)
	assert.Equal(t, dir, store.Dir)
	assert.Empty(t, store.Artifacts)
	require.Len(t, lines.Snapshot(), 1)
	assert.Contains(t, lines.Snapshot()[0], "tree unreadable")
}
