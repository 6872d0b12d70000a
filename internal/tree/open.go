package tree

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"google.golang.org/api/option"
)

// Options carries the settings needed to open remote trees.
type Options struct {
	SSH SSHConfig
	S3  S3Config
	GCS []option.ClientOption
}

// Open returns the Tree named by uri. Accepted forms are a plain local path,
// file:///path, ssh://[user@]host[:port]/path, gs://bucket/prefix and
// s3://bucket/prefix.
func Open(ctx context.Context, uri string, opts Options) (Tree, error) {
	if !strings.Contains(uri, "://") {
		return NewLocal(uri)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("tree: invalid workspace %q: %w", uri, err)
	}

	switch u.Scheme {
	case "file":
		return NewLocal(u.Path)
	case "ssh":
		cfg := opts.SSH
		if u.User != nil && u.User.Username() != "" {
			cfg.User = u.User.Username()
		}
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("tree: invalid ssh port %q: %w", p, err)
			}
			cfg.Port = port
		}
		if u.Hostname() == "" || u.Path == "" {
			return nil, fmt.Errorf("tree: ssh workspace %q needs a host and an absolute path", uri)
		}
		return NewSSH(ctx, u.Hostname(), u.Path, cfg)
	case "gs":
		if u.Host == "" {
			return nil, fmt.Errorf("tree: gs workspace %q needs a bucket", uri)
		}
		return NewGCS(ctx, u.Host, u.Path, opts.GCS...)
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("tree: s3 workspace %q needs a bucket", uri)
		}
		return NewS3(opts.S3, u.Host, u.Path)
	default:
		return nil, fmt.Errorf("tree: unsupported workspace scheme %q", u.Scheme)
	}
}
