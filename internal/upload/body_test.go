package upload

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringOpener(s string, opened *int) opener {
	return func(context.Context) (io.ReadCloser, error) {
		*opened++
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

func TestBody_LengthMatchesEncoding(t *testing.T) {
	var opened int
	bb := newBodyBuilder(context.Background())
	require.NoError(t, bb.addFile("file", `we"ird.apk`, "application/octet-stream", 5, stringOpener("hello", &opened)))
	require.NoError(t, bb.addFile("sourcemap", "mapping.txt", "text/plain", 3, stringOpener("a b", &opened)))
	require.NoError(t, bb.addField("release_type", "ENTERPRISE"))

	b, err := bb.finish()
	require.NoError(t, err)
	assert.Zero(t, opened, "files must not be opened before the body is read")

	encoded, err := io.ReadAll(b)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.Equal(t, 2, opened)
	assert.Equal(t, b.length, int64(len(encoded)))

	_, params, err := mime.ParseMediaType(b.contentType)
	require.NoError(t, err)
	assert.Equal(t, boundary, params["boundary"])

	mr := multipart.NewReader(bytes.NewReader(encoded), params["boundary"])
	var names []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, p.FormName())
	}
	assert.Equal(t, []string{"file", "sourcemap", "release_type"}, names)
}

func TestLazyFile_SizeMismatch(t *testing.T) {
	var opened int
	short := &lazyFile{ctx: context.Background(), name: "a.apk", size: 10, open: stringOpener("12345", &opened)}
	_, err := io.ReadAll(short)
	assert.ErrorContains(t, err, "a.apk shrank while being uploaded")

	long := &lazyFile{ctx: context.Background(), name: "b.apk", size: 2, open: stringOpener("12345", &opened)}
	_, err = io.ReadAll(long)
	assert.ErrorContains(t, err, "b.apk grew while being uploaded")
}
