// Package pipeline sequences a single upload run: locate the build and its
// mapping file, optionally stop there, then initiate and stream the upload.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/datatheorem/dtupload/internal/locate"
	"github.com/datatheorem/dtupload/internal/pattern"
	"github.com/datatheorem/dtupload/internal/sink"
	"github.com/datatheorem/dtupload/internal/tree"
	"github.com/datatheorem/dtupload/internal/upload"
)

// ProxyOptions is the raw proxy descriptor supplied by the caller.
type ProxyOptions struct {
	Hostname          string
	Port              int
	Username          string
	Password          string
	AllowUntrustedTLS bool
}

// CredentialOptions is the raw application credential supplied by the
// caller.
type CredentialOptions struct {
	Username string
	Password string
	Comments string
}

// Options describes one upload run.
type Options struct {
	// BuildPattern selects the build file. Required.
	BuildPattern string

	// SourceMapPattern selects the mapping file. Empty means none.
	SourceMapPattern string

	// Store is the permanent artifact store, searched before Workspace.
	Store locate.Store

	// Workspace is the build workspace. It may be remote.
	Workspace tree.Tree

	// APIKey is nil when the key was never provided.
	APIKey *string

	// DryRun stops after locating files.
	DryRun bool

	// SendFromRemote dials the upload from the workspace host when the
	// workspace supports it.
	SendFromRemote bool

	Proxy      *ProxyOptions
	Credential *CredentialOptions
	Metadata   upload.Metadata

	// Client holds the endpoint and user agent. Proxy, Dialer and Sink are
	// set by the pipeline.
	Client upload.ClientOptions
}

// Pipeline runs an upload described by Options.
type Pipeline struct {
	opts      Options
	build     *pattern.Matcher
	sourceMap *pattern.Matcher
	sink      sink.Sink
}

// New compiles the patterns in opts. A malformed pattern is reported here,
// before any file or network access.
func New(opts Options, s sink.Sink) (*Pipeline, error) {
	if s == nil {
		s = sink.Discard
	}
	build, err := pattern.Compile(opts.BuildPattern)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build pattern: %w", err)
	}

	p := &Pipeline{opts: opts, build: build, sink: s}
	if opts.SourceMapPattern != "" {
		p.sourceMap, err = pattern.Compile(opts.SourceMapPattern)
		if err != nil {
			return nil, fmt.Errorf("pipeline: mapping file pattern: %w", err)
		}
	}
	return p, nil
}

// Run executes the pipeline and returns its single outcome. The outcome
// message has been written to the sink by the time Run returns.
func (p *Pipeline) Run(ctx context.Context) upload.Outcome {
	out := p.run(ctx)
	if !out.Success {
		p.sink.Println(out.Message)
	}
	return out
}

func (p *Pipeline) run(ctx context.Context) upload.Outcome {
	p.sink.Println("Data Theorem upload build starting...")
	p.warnPatterns()
	p.sink.Println("Uploading the build to Data Theorem : " + p.opts.BuildPattern)

	build, ok := locate.FindBuild(ctx, p.build, p.opts.Store, p.opts.Workspace, p.sink)
	if !ok {
		return upload.Failed(upload.KindNotFound, "Unable to find any build with name : "+p.opts.BuildPattern)
	}
	p.sink.Println("Found the build at path: " + build.Path)

	var sourceMap string
	if p.sourceMap != nil {
		sourceMap, ok = locate.FindSourceMap(ctx, p.sourceMap, p.opts.Workspace, p.sink)
		if !ok {
			return upload.Failed(upload.KindNotFound, "Unable to find any mapping file with name : "+p.opts.SourceMapPattern)
		}
		p.sink.Println("Found the mapping file at path: " + sourceMap)
	}

	if p.opts.DryRun {
		out := upload.Succeeded(`Skipping upload... "Don't Upload" option enabled`)
		p.sink.Println(out.Message)
		return out
	}
	if err := ctx.Err(); err != nil {
		return upload.Failed(upload.KindConnectivity, "Data Theorem upload interrupted: "+err.Error())
	}

	if err := p.opts.Metadata.Validate(); err != nil {
		return upload.Failed(upload.KindConfiguration, err.Error())
	}
	proxy, err := p.proxy()
	if err != nil {
		return upload.Failed(upload.KindConfiguration, err.Error())
	}
	cred, err := p.credential()
	if err != nil {
		return upload.Failed(upload.KindConfiguration, err.Error())
	}

	clientOpts := p.opts.Client
	clientOpts.Proxy = proxy
	clientOpts.Sink = p.sink
	clientOpts.Dialer = p.dialer()
	client := upload.NewClient(clientOpts)

	session, out := client.Initiate(ctx, p.opts.APIKey)
	if !out.Success {
		return out
	}
	return client.Upload(ctx, session, upload.Request{
		Build:      build,
		SourceMap:  sourceMap,
		Workspace:  p.opts.Workspace,
		Credential: cred,
		Metadata:   p.opts.Metadata,
	})
}

func (p *Pipeline) proxy() (*upload.ProxyConfig, error) {
	o := p.opts.Proxy
	if o == nil || o.Hostname == "" {
		p.sink.Println("No proxy configuration")
		return nil, nil
	}
	sink.Printf(p.sink, "Proxy Configuration is : %s:%d", o.Hostname, o.Port)
	return upload.NewProxyConfig(o.Hostname, o.Port, o.Username, o.Password, o.AllowUntrustedTLS)
}

func (p *Pipeline) credential() (*upload.CredentialAttachment, error) {
	o := p.opts.Credential
	if o == nil || (o.Username == "" && o.Password == "") {
		return nil, nil
	}
	return upload.NewCredentialAttachment(o.Username, o.Password, o.Comments)
}

func (p *Pipeline) dialer() tree.Dialer {
	if !p.opts.SendFromRemote {
		return nil
	}
	ws := p.opts.Workspace
	if ws != nil && ws.Remote() {
		if d, ok := ws.(tree.Dialer); ok {
			p.sink.Println("Sending the build directly from " + ws.Root())
			return d
		}
	}
	p.sink.Println("The workspace host cannot originate the upload; sending the build from this host")
	return nil
}

// warnPatterns reports patterns that are legal but unlikely to select what
// the service expects.
func (p *Pipeline) warnPatterns() {
	build := strings.ToLower(p.opts.BuildPattern)
	if !strings.HasSuffix(build, ".apk") && !strings.HasSuffix(build, ".ipa") && !strings.HasSuffix(build, "*") {
		p.sink.Println("Warning: the build name should end with .apk or .ipa")
	}
	if p.opts.SourceMapPattern == "" {
		return
	}
	if !strings.HasSuffix(strings.ToLower(p.opts.SourceMapPattern), ".txt") {
		p.sink.Println("Warning: the mapping file name should end with .txt")
	}
	if strings.HasSuffix(build, ".ipa") {
		p.sink.Println("Warning: a mapping file is only used with an .apk build")
	}
}
