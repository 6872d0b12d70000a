package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"

	"github.com/datatheorem/dtupload/internal/locate"
	"github.com/datatheorem/dtupload/internal/tree"
)

// Request describes what to send in a single upload.
type Request struct {
	// Build is the located build artifact.
	Build locate.FileLocation

	// SourceMap is the mapping file path relative to Workspace, or empty.
	SourceMap string

	// Workspace resolves workspace-relative paths in Build and SourceMap.
	Workspace tree.Tree

	Credential *CredentialAttachment
	Metadata   Metadata
}

type uploadCase int

const (
	uploadUnresolvedHost uploadCase = iota
	uploadTransportError
	uploadOK
	uploadEmptyBody
	uploadOtherStatus
)

type uploadResponse struct {
	kind   uploadCase
	status int
	body   string
	err    error
}

func classifyUpload(resp *http.Response, body []byte, err error) uploadResponse {
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return uploadResponse{kind: uploadUnresolvedHost, err: err}
		}
		return uploadResponse{kind: uploadTransportError, err: err}
	}

	r := uploadResponse{status: resp.StatusCode, body: string(body)}
	switch {
	case resp.StatusCode != http.StatusOK:
		r.kind = uploadOtherStatus
	case len(body) == 0:
		r.kind = uploadEmptyBody
	default:
		r.kind = uploadOK
	}
	return r
}

func (r uploadResponse) outcome() Outcome {
	switch r.kind {
	case uploadOK:
		return Succeeded("Successfully uploaded build to Data Theorem : " + r.body)
	case uploadEmptyBody:
		return Failed(KindService, "Data Theorem upload build returned an empty body error")
	case uploadOtherStatus:
		return Failed(KindService, fmt.Sprintf("Data Theorem upload build returned an error: HTTP %d: %s", r.status, r.body))
	case uploadUnresolvedHost:
		return Failed(KindConnectivity, "Data Theorem upload build returned an error: could not resolve host: "+r.err.Error())
	case uploadTransportError:
		return Failed(KindConnectivity, "Data Theorem upload build returned an error: I/O error: "+r.err.Error())
	}
	return Failed(KindService, "Data Theorem upload build returned an error: unclassified response")
}

// Upload streams the build, and the mapping file when present, to the
// session's upload URL. File contents are read from their source while the
// request body is written and are never buffered whole.
func (c *Client) Upload(ctx context.Context, session *Session, req Request) Outcome {
	c.sink.Println("Uploading build to Data Theorem...")

	b, err := c.buildBody(ctx, req)
	if err != nil {
		return Failed(KindConnectivity, "Data Theorem upload build returned an error: I/O error: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, session.UploadURL, b)
	if err != nil {
		_ = b.Close()
		return Failed(KindService, "Data Theorem upload build returned an error: invalid upload URL: "+err.Error())
	}
	httpReq.ContentLength = b.length
	c.setHeaders(httpReq.Header)
	httpReq.Header.Set("Content-Type", b.contentType)

	resp, err := c.httpClient().Do(httpReq)
	var respBody []byte
	if err == nil {
		c.sink.Println(resp.Proto + " " + resp.Status)
		respBody, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}

	out := classifyUpload(resp, respBody, err).outcome()
	if out.Success {
		c.sink.Println(out.Message)
	}
	return out
}

func (c *Client) buildBody(ctx context.Context, req Request) (*body, error) {
	bb := newBodyBuilder(ctx)

	size, open, err := c.source(ctx, req.Build, req.Workspace)
	if err != nil {
		return nil, err
	}
	c.sink.Println("Build file path is: " + req.Build.Path)
	if err := bb.addFile("file", path.Base(req.Build.Path), "application/octet-stream", size, open); err != nil {
		return nil, err
	}

	if req.SourceMap != "" {
		size, open, err := c.source(ctx, locate.FileLocation{Path: req.SourceMap}, req.Workspace)
		if err != nil {
			return nil, err
		}
		c.sink.Println("Mapping file path is: " + req.SourceMap)
		if err := bb.addFile("sourcemap", path.Base(req.SourceMap), "text/plain", size, open); err != nil {
			return nil, err
		}
	}

	if cred := req.Credential; cred != nil {
		fields := []Field{{"username", cred.Username}, {"password", cred.Password}}
		if cred.Comments != "" {
			fields = append(fields, Field{"comments", cred.Comments})
		}
		for _, f := range fields {
			if err := bb.addField(f.Name, f.Value); err != nil {
				return nil, err
			}
		}
	}
	for _, f := range req.Metadata.Fields() {
		if err := bb.addField(f.Name, f.Value); err != nil {
			return nil, err
		}
	}

	return bb.finish()
}

// source resolves a location to its length and a deferred opener.
func (c *Client) source(ctx context.Context, loc locate.FileLocation, workspace tree.Tree) (int64, opener, error) {
	if loc.PermanentStore {
		info, err := os.Stat(loc.Path)
		if err != nil {
			return 0, nil, err
		}
		if !info.Mode().IsRegular() {
			return 0, nil, fmt.Errorf("%s is not a regular file", loc.Path)
		}
		return info.Size(), func(context.Context) (io.ReadCloser, error) {
			return os.Open(loc.Path)
		}, nil
	}

	if workspace == nil {
		return 0, nil, fmt.Errorf("no workspace to read %s from", loc.Path)
	}
	size, err := workspace.Size(ctx, loc.Path)
	if err != nil {
		return 0, nil, err
	}
	return size, func(ctx context.Context) (io.ReadCloser, error) {
		return workspace.Open(ctx, loc.Path)
	}, nil
}
