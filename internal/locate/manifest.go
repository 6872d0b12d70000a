package locate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/datatheorem/dtupload/internal/sink"
	"github.com/datatheorem/dtupload/internal/tree"
)

// ReadManifest parses a list of archived artifacts, one relative path per
// line. Blank lines and lines starting with '#' are ignored.
func ReadManifest(r io.Reader) ([]ArchivedArtifact, error) {
	var artifacts []ArchivedArtifact
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		artifacts = append(artifacts, ArchivedArtifact{RelativePath: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("locate: failed to read manifest: %w", err)
	}
	return artifacts, nil
}

// RecordStore lists dir once and records every file in it as an archived
// artifact. It is used when no manifest was supplied.
func RecordStore(ctx context.Context, dir *tree.Local) (Store, error) {
	files, err := dir.List(ctx)
	if err != nil {
		return Store{}, err
	}
	store := Store{Dir: dir.Root()}
	for _, f := range files {
		store.Artifacts = append(store.Artifacts, ArchivedArtifact{RelativePath: f})
	}
	return store, nil
}

// OpenStore returns the permanent store at dir. When archived is non-empty
// it is taken as the recorded artifact list; otherwise dir is listed. An
// empty dir yields an empty store. A dir that cannot be listed is reported
// to s and yields an empty store, so the workspace is still searched.
func OpenStore(ctx context.Context, dir string, archived []string, s sink.Sink) (Store, error) {
	if dir == "" {
		return Store{}, nil
	}
	local, err := tree.NewLocal(dir)
	if err != nil {
		return Store{}, err
	}
	if len(archived) == 0 {
		store, err := RecordStore(ctx, local)
		if errors.Is(err, tree.ErrUnreadable) {
			s.Println(err.Error())
			return Store{Dir: local.Root()}, nil
		}
		return store, err
	}
	store := Store{Dir: local.Root()}
	for _, a := range archived {
		store.Artifacts = append(store.Artifacts, ArchivedArtifact{RelativePath: a})
	}
	return store, nil
}
