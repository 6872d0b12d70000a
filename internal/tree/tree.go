// Package tree provides read access to the file trees a build may live in.
// A Tree is either local to this process or reachable only through a remote
// channel (an SSH worker or an object store). Implementations enumerate next
// to the data and only path strings, lengths and byte streams cross the
// channel; file handles never do.
package tree

import (
	"context"
	"errors"
	"io"
	"net"
)

// ErrUnreadable is returned when a tree root does not exist or cannot be
// listed.
var ErrUnreadable = errors.New("tree unreadable")

// Tree is a handle on a directory tree.
type Tree interface {
	// Root describes the tree root, e.g. a local path or a URI.
	Root() string

	// Remote reports whether the tree is only reachable through a remote
	// channel.
	Remote() bool

	// List returns every regular file under the root as a slash-separated
	// path relative to the root, in traversal order.
	List(ctx context.Context) ([]string, error)

	// Size returns the length in bytes of the file at rel.
	Size(ctx context.Context, rel string) (int64, error)

	// Open returns a stream over the file at rel. Bytes are pulled from the
	// tree as the caller reads.
	Open(ctx context.Context, rel string) (io.ReadCloser, error)

	// Close releases any connection held by the tree.
	Close() error
}

// Dialer is implemented by trees whose host can originate network
// connections on the caller's behalf.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}
