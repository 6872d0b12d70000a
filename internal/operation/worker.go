package operation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/datatheorem/dtupload/internal/locate"
	"github.com/datatheorem/dtupload/internal/pipeline"
	"github.com/datatheorem/dtupload/internal/sink"
	"github.com/datatheorem/dtupload/internal/tree"
	"github.com/datatheorem/dtupload/internal/upload"
)

// WorkerOptions configures an upload worker invocation.
type WorkerOptions struct {
	OperationID string
	Store       Store
	Logger      zerolog.Logger

	// Pipeline is used as given, except that Workspace and Store are
	// resolved from the fields below.
	Pipeline pipeline.Options

	WorkspaceURI string
	TreeOptions  tree.Options
	ArtifactsDir string
	Archived     []string
}

// Run opens the workspace, runs the upload pipeline and transitions the
// operation through running → succeeded | failed.
//
// Run is intended to be called in a separate goroutine; it owns the full
// lifecycle of the operation from the moment it is called.
func Run(ctx context.Context, opts WorkerOptions) {
	if err := opts.Store.MarkRunning(opts.OperationID); err != nil {
		// If we cannot even mark it running the store is broken; nothing to do.
		return
	}

	logger := opts.Logger.With().Str("operation_id", opts.OperationID).Logger()
	s := sink.Tee(storeSink{store: opts.Store, id: opts.OperationID}, sink.NewLogger(logger))

	out := run(ctx, opts, s)
	if err := opts.Store.MarkDone(opts.OperationID, out); err != nil {
		logger.Error().Err(err).Msg("failed to record outcome")
	}
}

func run(ctx context.Context, opts WorkerOptions, s sink.Sink) upload.Outcome {
	popts := opts.Pipeline

	store, err := locate.OpenStore(ctx, opts.ArtifactsDir, opts.Archived, s)
	if err != nil {
		return fail(s, upload.KindConfiguration, "Unable to read the artifacts directory: "+err.Error())
	}
	popts.Store = store

	if opts.WorkspaceURI != "" {
		ws, err := tree.Open(ctx, opts.WorkspaceURI, opts.TreeOptions)
		if err != nil {
			return fail(s, upload.KindConnectivity, "Unable to open the workspace: "+err.Error())
		}
		defer func() { _ = ws.Close() }()
		popts.Workspace = ws
	}

	p, err := pipeline.New(popts, s)
	if err != nil {
		return fail(s, upload.KindConfiguration, err.Error())
	}
	return p.Run(ctx)
}

func fail(s sink.Sink, kind upload.Kind, msg string) upload.Outcome {
	s.Println(msg)
	return upload.Failed(kind, msg)
}

// storeSink appends progress lines to an operation's log.
type storeSink struct {
	store Store
	id    string
}

func (s storeSink) Println(line string) {
	_ = s.store.AppendLog(s.id, line)
}
