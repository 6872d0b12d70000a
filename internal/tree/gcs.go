package tree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS is a Tree over the objects of a Google Cloud Storage bucket that share
// a prefix. Listing happens on the storage service; only object names cross
// the wire until a file is opened.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a GCS tree for bucket/prefix. opts are passed through to
// the underlying GCS client, allowing credential injection.
func NewGCS(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tree: failed to create GCS client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: normalizePrefix(prefix)}, nil
}

func (t *GCS) Root() string { return "gs://" + t.bucket + "/" + t.prefix }

func (t *GCS) Remote() bool { return true }

func (t *GCS) Close() error { return t.client.Close() }

// List returns object names under the prefix in the lexical order the
// service lists them. Placeholder "directory" objects are skipped.
func (t *GCS) List(ctx context.Context) ([]string, error) {
	query := &storage.Query{Prefix: t.prefix}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("tree: %w: %s: %w", ErrUnreadable, t.Root(), err)
	}

	var files []string
	it := t.client.Bucket(t.bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tree: %w: %s: %w", ErrUnreadable, t.Root(), err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		files = append(files, strings.TrimPrefix(attrs.Name, t.prefix))
	}
	return files, nil
}

func (t *GCS) Size(ctx context.Context, rel string) (int64, error) {
	attrs, err := t.client.Bucket(t.bucket).Object(t.prefix + rel).Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("tree: failed to stat %q: %w", t.Root()+rel, err)
	}
	return attrs.Size, nil
}

func (t *GCS) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	r, err := t.client.Bucket(t.bucket).Object(t.prefix + rel).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("tree: failed to open %q: %w", t.Root()+rel, err)
	}
	return r, nil
}

// normalizePrefix turns "ws", "/ws" and "ws/" into "ws/", and "" or "/"
// into "".
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
