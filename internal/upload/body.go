package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
)

// boundary is fixed; the encoded length is computed before any file is
// opened.
const boundary = "dtuploadautouploadboundary"

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// opener produces a file stream on demand.
type opener func(ctx context.Context) (io.ReadCloser, error)

// body is a multipart/form-data payload assembled from in-memory header
// segments and lazily opened file segments. Its length is known up front and
// each file is only opened when the transport reaches it.
type body struct {
	io.Reader
	files       []*lazyFile
	length      int64
	contentType string
}

func (b *body) Close() error {
	var first error
	for _, f := range b.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type bodyBuilder struct {
	ctx    context.Context
	buf    bytes.Buffer
	mw     *multipart.Writer
	parts  []io.Reader
	files  []*lazyFile
	length int64
}

func newBodyBuilder(ctx context.Context) *bodyBuilder {
	b := &bodyBuilder{ctx: ctx}
	b.mw = multipart.NewWriter(&b.buf)
	if err := b.mw.SetBoundary(boundary); err != nil {
		panic(err)
	}
	return b
}

func (b *bodyBuilder) addField(name, value string) error {
	return b.mw.WriteField(name, value)
}

func (b *bodyBuilder) addFile(field, filename, contentType string, size int64, open opener) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)
	if _, err := b.mw.CreatePart(h); err != nil {
		return err
	}
	b.flush()

	f := &lazyFile{ctx: b.ctx, name: filename, size: size, open: open}
	b.files = append(b.files, f)
	b.parts = append(b.parts, f)
	b.length += size
	return nil
}

func (b *bodyBuilder) finish() (*body, error) {
	if err := b.mw.Close(); err != nil {
		return nil, err
	}
	b.flush()
	return &body{
		Reader:      io.MultiReader(b.parts...),
		files:       b.files,
		length:      b.length,
		contentType: b.mw.FormDataContentType(),
	}, nil
}

// flush moves the buffered multipart framing into its own segment.
func (b *bodyBuilder) flush() {
	if b.buf.Len() == 0 {
		return
	}
	seg := bytes.Clone(b.buf.Bytes())
	b.parts = append(b.parts, bytes.NewReader(seg))
	b.length += int64(len(seg))
	b.buf.Reset()
}

// lazyFile opens its source on first read and fails if the source does not
// yield exactly size bytes.
type lazyFile struct {
	ctx  context.Context
	name string
	size int64
	open opener

	rc   io.ReadCloser
	read int64
	done bool
}

func (f *lazyFile) Read(p []byte) (int, error) {
	if f.done {
		return 0, io.EOF
	}
	if f.rc == nil {
		rc, err := f.open(f.ctx)
		if err != nil {
			return 0, err
		}
		f.rc = rc
	}

	n, err := f.rc.Read(p)
	f.read += int64(n)
	if f.read > f.size {
		return n, fmt.Errorf("%s grew while being uploaded", f.name)
	}
	if err == io.EOF {
		f.done = true
		if cerr := f.Close(); cerr != nil {
			return n, cerr
		}
		if f.read != f.size {
			return n, fmt.Errorf("%s shrank while being uploaded: read %d of %d bytes", f.name, f.read, f.size)
		}
	}
	return n, err
}

func (f *lazyFile) Close() error {
	if f.rc == nil {
		return nil
	}
	rc := f.rc
	f.rc = nil
	return rc.Close()
}
