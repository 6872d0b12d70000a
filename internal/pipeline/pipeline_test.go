package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatheorem/dtupload/internal/locate"
	"github.com/datatheorem/dtupload/internal/pattern"
	"github.com/datatheorem/dtupload/internal/pipeline"
	"github.com/datatheorem/dtupload/internal/sink"
	"github.com/datatheorem/dtupload/internal/tree"
	"github.com/datatheorem/dtupload/internal/upload"
)

func ptr[T any](v T) *T { return &v }

// fakeService serves upload_init at /init and the upload at /upload.
type fakeService struct {
	*httptest.Server
	inits   atomic.Int32
	uploads atomic.Int32
	body    atomic.Value
}

func newFakeService(t *testing.T) *fakeService {
	f := &fakeService{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /init", func(w http.ResponseWriter, r *http.Request) {
		f.inits.Add(1)
		_, _ = fmt.Fprintf(w, `{"upload_url":%q}`, f.URL+"/upload")
	})
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		f.uploads.Add(1)
		data, _ := io.ReadAll(r.Body)
		f.body.Store(string(data))
		_, _ = w.Write([]byte(`{"result":"queued"}`))
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeService) calls() int32 {
	return f.inits.Load() + f.uploads.Load()
}

func workspace(t *testing.T, files ...string) *tree.Local {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("contents of "+f), 0o644))
	}
	ws, err := tree.NewLocal(dir)
	require.NoError(t, err)
	return ws
}

func run(t *testing.T, opts pipeline.Options) (upload.Outcome, []string) {
	t.Helper()
	lines := &sink.Lines{}
	p, err := pipeline.New(opts, lines)
	require.NoError(t, err)
	return p.Run(context.Background()), lines.Snapshot()
}

func TestRun_DryRunMakesNoRequest(t *testing.T) {
	svc := newFakeService(t)

	out, lines := run(t, pipeline.Options{
		BuildPattern: "build-*.apk",
		Workspace:    workspace(t, "build-1.2.3.apk"),
		APIKey:       ptr("secret"),
		DryRun:       true,
		Client:       upload.ClientOptions{InitURL: svc.URL + "/init"},
	})

	assert.True(t, out.Success)
	assert.Zero(t, svc.calls())
	assert.Contains(t, lines, "Found the build at path: build-1.2.3.apk")
	assert.Contains(t, lines, `Skipping upload... "Don't Upload" option enabled`)
}

func TestRun_Uploads(t *testing.T) {
	svc := newFakeService(t)

	out, lines := run(t, pipeline.Options{
		BuildPattern:     "*.apk",
		SourceMapPattern: "mapping.txt",
		Workspace:        workspace(t, "app/outputs/app.apk", "app/outputs/mapping.txt"),
		APIKey:           ptr("secret"),
		Credential:       &pipeline.CredentialOptions{Username: "qa", Password: "pw"},
		Metadata:         upload.Metadata{ReleaseType: upload.ReleaseTypeEnterprise},
		Client:           upload.ClientOptions{InitURL: svc.URL + "/init"},
	})

	require.True(t, out.Success, out.Message)
	assert.Equal(t, `Successfully uploaded build to Data Theorem : {"result":"queued"}`, out.Message)
	assert.Equal(t, int32(1), svc.inits.Load())
	assert.Equal(t, int32(1), svc.uploads.Load())
	assert.Contains(t, lines, "Found the mapping file at path: app/outputs/mapping.txt")
	assert.Contains(t, lines, "No proxy configuration")

	body := svc.body.Load().(string)
	assert.Contains(t, body, "contents of app/outputs/app.apk")
	assert.Contains(t, body, "contents of app/outputs/mapping.txt")
	assert.Contains(t, body, "ENTERPRISE")
}

func TestRun_PermanentStoreBuild(t *testing.T) {
	svc := newFakeService(t)
	archive := workspace(t, "outputs/app.apk")
	store, err := locate.RecordStore(context.Background(), archive)
	require.NoError(t, err)

	out, lines := run(t, pipeline.Options{
		BuildPattern: "app.apk",
		Store:        store,
		Workspace:    workspace(t, "app.apk"),
		APIKey:       ptr("secret"),
		Client:       upload.ClientOptions{InitURL: svc.URL + "/init"},
	})

	require.True(t, out.Success, out.Message)
	assert.Contains(t, lines, "Found the build at path: "+archive.Root()+"/outputs/app.apk")
	assert.Contains(t, svc.body.Load().(string), "contents of outputs/app.apk")
}

func TestRun_TerminalFailures(t *testing.T) {
	tests := []struct {
		name    string
		opts    pipeline.Options
		kind    upload.Kind
		message string
	}{
		{
			name:    "no build",
			opts:    pipeline.Options{BuildPattern: "*.ipa"},
			kind:    upload.KindNotFound,
			message: "Unable to find any build with name : *.ipa",
		},
		{
			name:    "no mapping file",
			opts:    pipeline.Options{BuildPattern: "*.apk", SourceMapPattern: "mapping.txt"},
			kind:    upload.KindNotFound,
			message: "Unable to find any mapping file with name : mapping.txt",
		},
		{
			name:    "bad release type",
			opts:    pipeline.Options{BuildPattern: "*.apk", Metadata: upload.Metadata{ReleaseType: "BETA"}},
			kind:    upload.KindConfiguration,
			message: "invalid metadata: only ENTERPRISE and PRE_PROD release type values are allowed",
		},
		{
			name:    "empty external id",
			opts:    pipeline.Options{BuildPattern: "*.apk", Metadata: upload.Metadata{ExternalID: ptr("")}},
			kind:    upload.KindConfiguration,
			message: "invalid metadata: external id cannot be set to an empty string",
		},
		{
			name: "proxy user without password",
			opts: pipeline.Options{
				BuildPattern: "*.apk",
				Proxy:        &pipeline.ProxyOptions{Hostname: "proxy", Port: 3128, Username: "alice"},
			},
			kind:    upload.KindConfiguration,
			message: "invalid proxy configuration: proxy password can't be empty if the username is set",
		},
		{
			name: "incomplete credential",
			opts: pipeline.Options{
				BuildPattern: "*.apk",
				Credential:   &pipeline.CredentialOptions{Username: "qa"},
			},
			kind:    upload.KindConfiguration,
			message: "invalid application credential: credential password must not be empty",
		},
		{
			name:    "missing api key",
			opts:    pipeline.Options{BuildPattern: "*.apk"},
			kind:    upload.KindConfiguration,
			message: "Missing Data Theorem upload APIKey:\nEnsure \"DATA_THEOREM_UPLOAD_API_KEY\" is set as an environment variable in the build environment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService(t)
			tt.opts.Workspace = workspace(t, "app.apk")
			tt.opts.Client = upload.ClientOptions{InitURL: svc.URL + "/init"}

			out, lines := run(t, tt.opts)

			assert.False(t, out.Success)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.message, out.Message)
			assert.Equal(t, tt.message, lines[len(lines)-1])
			assert.Zero(t, svc.calls())
		})
	}
}

func TestRun_CancelledDuringInitiate(t *testing.T) {
	var uploads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /init", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		uploads.Add(1)
	})
	svc := httptest.NewServer(mux)
	defer svc.Close()

	p, err := pipeline.New(pipeline.Options{
		BuildPattern: "*.apk",
		Workspace:    workspace(t, "app.apk"),
		APIKey:       ptr("secret"),
		Client:       upload.ClientOptions{InitURL: svc.URL + "/init"},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := p.Run(ctx)

	assert.False(t, out.Success)
	assert.Equal(t, upload.KindConnectivity, out.Kind)
	assert.Contains(t, out.Message, "upload_init call error")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, uploads.Load())
}

func TestRun_SendFromRemoteOnLocalWorkspace(t *testing.T) {
	svc := newFakeService(t)

	out, lines := run(t, pipeline.Options{
		BuildPattern:   "app.apk",
		Workspace:      workspace(t, "app.apk"),
		APIKey:         ptr("secret"),
		SendFromRemote: true,
		Client:         upload.ClientOptions{InitURL: svc.URL + "/init"},
	})

	require.True(t, out.Success, out.Message)
	assert.Contains(t, lines, "The workspace host cannot originate the upload; sending the build from this host")
}

func TestRun_PatternWarnings(t *testing.T) {
	_, lines := run(t, pipeline.Options{
		BuildPattern:     "app.ipa",
		SourceMapPattern: "mapping.json",
		Workspace:        workspace(t, "app.ipa", "mapping.json"),
		DryRun:           true,
	})

	assert.Contains(t, lines, "Warning: the mapping file name should end with .txt")
	assert.Contains(t, lines, "Warning: a mapping file is only used with an .apk build")
	assert.NotContains(t, lines, "Warning: the build name should end with .apk or .ipa")
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := pipeline.New(pipeline.Options{BuildPattern: "build-[a.apk"}, nil)
	assert.ErrorIs(t, err, pattern.ErrInvalid)

	_, err = pipeline.New(pipeline.Options{BuildPattern: "*.apk", SourceMapPattern: "[x"}, nil)
	assert.ErrorIs(t, err, pattern.ErrInvalid)

	_, err = pipeline.New(pipeline.Options{}, nil)
	assert.ErrorIs(t, err, pattern.ErrInvalid)
}
