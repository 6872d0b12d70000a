// Package server provides the HTTP API for async upload operations.
//
// Endpoints:
//
//	POST /uploads        enqueue a new upload run; returns operation ID immediately
//	GET  /uploads/{id}   poll operation status, progress lines and outcome
//	GET  /health         liveness check
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/datatheorem/dtupload/internal/operation"
	"github.com/datatheorem/dtupload/internal/pipeline"
	"github.com/datatheorem/dtupload/internal/tree"
	"github.com/datatheorem/dtupload/internal/upload"
)

// Options configures a Server.
type Options struct {
	// Defaults are used as a base for every run; request fields override
	// individual values. Proxy settings and the API key are never taken
	// from a request.
	Defaults pipeline.Options

	// TreeOptions are used to open requested workspaces.
	TreeOptions tree.Options

	// LocalRoot confines local workspaces and artifact directories named by
	// requests. When empty, requests may only name remote workspaces.
	LocalRoot string

	// DrainTimeout bounds how long shutdown waits for in-flight runs before
	// cancelling them. Defaults to 30s.
	DrainTimeout time.Duration

	Logger zerolog.Logger
}

// Server holds the dependencies shared across HTTP handlers.
type Server struct {
	store  operation.Store
	opts   Options
	router chi.Router

	// runs outlive their requests but not the server.
	runCtx     context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup
}

// New creates a Server wired to the given store.
func New(store operation.Store, opts Options) *Server {
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	s := &Server{store: store, opts: opts}
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(1 << 20))

	r.Post("/uploads", s.handleCreateUpload)
	r.Get("/uploads/{id}", s.handleGetUpload)
	r.Get("/health", handleHealth)

	s.router = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the given address and shuts it
// down when ctx is cancelled. It returns once every run it started has
// recorded an outcome.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		s.Drain(context.Background())
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DrainTimeout)
		defer cancelDrain()
		s.Drain(drainCtx)

		if err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Drain waits for in-flight runs. When ctx is done first the remaining runs
// are cancelled, and Drain still waits for them to record their outcome.
func (s *Server) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.opts.Logger.Warn().Msg("cancelling in-flight upload runs")
		s.cancelRuns()
		<-done
	}
}

type credentialRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Comments string `json:"comments,omitempty"`
}

// createUploadRequest is the JSON body for POST /uploads.
type createUploadRequest struct {
	Build          string             `json:"build"`
	MappingFile    string             `json:"mapping_file,omitempty"`
	Workspace      string             `json:"workspace,omitempty"`
	ArtifactsDir   string             `json:"artifacts_dir,omitempty"`
	Archived       []string           `json:"archived,omitempty"`
	DontUpload     bool               `json:"dont_upload"`
	SendFromRemote bool               `json:"send_from_remote"`
	ReleaseType    string             `json:"release_type,omitempty"`
	ExternalID     *string            `json:"external_id,omitempty"`
	Credential     *credentialRequest `json:"credential,omitempty"`
}

// createUploadResponse is returned immediately from POST /uploads.
type createUploadResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Build == "" {
		writeError(w, http.StatusBadRequest, "build is required")
		return
	}

	popts := s.opts.Defaults
	popts.BuildPattern = req.Build
	popts.SourceMapPattern = req.MappingFile
	popts.DryRun = req.DontUpload
	popts.SendFromRemote = req.SendFromRemote
	popts.Metadata = upload.Metadata{ReleaseType: req.ReleaseType, ExternalID: req.ExternalID}
	if c := req.Credential; c != nil {
		popts.Credential = &pipeline.CredentialOptions{Username: c.Username, Password: c.Password, Comments: c.Comments}
	}

	workspace, err := s.confineWorkspace(req.Workspace)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	artifactsDir, err := s.confineLocal("artifacts_dir", req.ArtifactsDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, a := range req.Archived {
		if !filepath.IsLocal(filepath.FromSlash(a)) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("archived entry %q must be relative to artifacts_dir", a))
			return
		}
	}

	// Reject malformed patterns before accepting the run.
	if _, err := pipeline.New(popts, nil); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	op, err := s.store.Create(req.Build, req.Workspace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create operation: "+err.Error())
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		operation.Run(s.runCtx, operation.WorkerOptions{
			OperationID:  op.ID,
			Store:        s.store,
			Logger:       s.opts.Logger,
			Pipeline:     popts,
			WorkspaceURI: workspace,
			TreeOptions:  s.opts.TreeOptions,
			ArtifactsDir: artifactsDir,
			Archived:     req.Archived,
		})
	}()

	writeJSON(w, http.StatusAccepted, createUploadResponse{
		OperationID: op.ID,
		Status:      string(operation.StatusPending),
	})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "operation id is required")
		return
	}

	op, err := s.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("operation %q not found", id))
		return
	}

	writeJSON(w, http.StatusOK, op)
}

// confineWorkspace passes remote workspace URIs through and resolves local
// ones under LocalRoot. SSH workspaces require strict host key checking so
// server credentials only reach known hosts.
func (s *Server) confineWorkspace(uri string) (string, error) {
	if uri == "" || !strings.Contains(uri, "://") {
		return s.confineLocal("workspace", uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid workspace %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file":
		return s.confineLocal("workspace", u.Path)
	case "ssh":
		if s.opts.TreeOptions.SSH.HostKeyVerification == tree.InsecureHostKeyVerification {
			return "", errors.New("ssh workspaces are disabled while host key verification is insecure")
		}
	}
	return uri, nil
}

// confineLocal resolves p under LocalRoot. Relative paths are taken relative
// to the root.
func (s *Server) confineLocal(field, p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if s.opts.LocalRoot == "" {
		return "", fmt.Errorf("%s: local paths are not accepted by this server", field)
	}
	root, err := filepath.Abs(s.opts.LocalRoot)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	resolved := p
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)
	if resolved != root && !strings.HasPrefix(resolved, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %q is outside the server's local root", field, p)
	}
	return resolved, nil
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
