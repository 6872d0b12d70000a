package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/datatheorem/dtupload/internal/config"
	"github.com/datatheorem/dtupload/internal/locate"
	"github.com/datatheorem/dtupload/internal/pipeline"
	"github.com/datatheorem/dtupload/internal/tree"
	"github.com/datatheorem/dtupload/internal/upload"
)

// ErrUploadFailed is returned when the run finished with a failed outcome.
// The outcome message has already been printed.
var ErrUploadFailed = errors.New("upload failed")

type UploadOptions struct {
	root   *RootOptions
	config *config.Config

	apiKey     *string
	externalID *string
	archived   []string

	BuildPattern     string
	MappingFile      string
	Workspace        string
	ArtifactsDir     string
	Archived         []string
	ArchivedManifest string
	DontUpload       bool
	SendFromRemote   bool

	ProxyHost     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
	ProxyInsecure bool

	CredentialUsername string
	CredentialPassword string
	CredentialComments string

	ReleaseType string
	ExternalID  string
	APIKey      string
}

var (
	uploadLong = templates.LongDesc(`
		Find a build by name pattern and upload it to Data Theorem.

		The artifacts directory is searched before the workspace. The
		workspace may be a local path or a remote URI (ssh://, gs://, s3://).
		The API key is read from DATA_THEOREM_UPLOAD_API_KEY unless --api-key
		is given.`)

	uploadExample = templates.Examples(`
		# Upload a release APK together with its ProGuard mapping file
		dtupload upload --build 'app-release*.apk' --mapping-file mapping.txt

		# Check that the build can be found without uploading it
		dtupload upload --build '*.ipa' --dont-upload

		# Search a workspace on a build agent and send the build from there
		dtupload upload --build '*.apk' --workspace ssh://jenkins@agent-1/var/ws --send-from-remote`)
)

func NewUploadOptions(root *RootOptions) *UploadOptions {
	return &UploadOptions{root: root, Workspace: "."}
}

func NewUploadCommand(o *UploadOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "upload --build PATTERN [flags]",
		DisableFlagsInUseLine: true,
		Short:                 "Locate a build and upload it to Data Theorem",
		Long:                  uploadLong,
		Example:               uploadExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if err := o.Run(); err != nil {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&o.BuildPattern, "build", "b", "", "Name pattern of the build to upload (required)")
	flags.StringVarP(&o.MappingFile, "mapping-file", "m", "", "Name pattern of the mapping file to upload with the build")
	flags.StringVarP(&o.Workspace, "workspace", "w", o.Workspace, "Workspace path or URI to search")
	flags.StringVar(&o.ArtifactsDir, "artifacts-dir", "", "Permanent artifact directory, searched before the workspace")
	flags.StringSliceVar(&o.Archived, "archived", nil, "Artifact recorded in the artifacts directory, relative to it (repeatable)")
	flags.StringVar(&o.ArchivedManifest, "archived-manifest", "", "File listing the recorded artifacts, one per line")
	flags.BoolVar(&o.DontUpload, "dont-upload", false, "Locate the files but skip the upload")
	flags.BoolVar(&o.SendFromRemote, "send-from-remote", false, "Send the build directly from the workspace host")

	flags.StringVar(&o.ProxyHost, "proxy-host", "", "HTTP proxy hostname")
	flags.IntVar(&o.ProxyPort, "proxy-port", 0, "HTTP proxy port")
	flags.StringVar(&o.ProxyUsername, "proxy-username", "", "HTTP proxy username")
	flags.StringVar(&o.ProxyPassword, "proxy-password", "", "HTTP proxy password")
	flags.BoolVar(&o.ProxyInsecure, "proxy-insecure", false, "Skip TLS certificate validation when using the proxy")

	flags.StringVar(&o.CredentialUsername, "credential-username", "", "Application login username for the scan")
	flags.StringVar(&o.CredentialPassword, "credential-password", "", "Application login password for the scan")
	flags.StringVar(&o.CredentialComments, "credential-comments", "", "Notes about the application login")

	flags.StringVar(&o.ReleaseType, "release-type", "", "Release type: ENTERPRISE or PRE_PROD")
	flags.StringVar(&o.ExternalID, "external-id", "", "External identifier for the build")
	flags.StringVar(&o.APIKey, "api-key", "", "Upload API key (overrides DATA_THEOREM_UPLOAD_API_KEY)")

	return cmd
}

func (o *UploadOptions) Complete(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %v", args)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	o.config = cfg

	o.apiKey = cfg.APIKey
	if cmd.Flags().Changed("api-key") {
		o.apiKey = &o.APIKey
	}
	if cmd.Flags().Changed("external-id") {
		o.externalID = &o.ExternalID
	}

	o.archived = o.Archived
	if o.ArchivedManifest != "" {
		f, err := os.Open(o.ArchivedManifest)
		if err != nil {
			return fmt.Errorf("failed to open archived manifest: %w", err)
		}
		defer f.Close()

		artifacts, err := locate.ReadManifest(f)
		if err != nil {
			return err
		}
		for _, a := range artifacts {
			o.archived = append(o.archived, a.RelativePath)
		}
	}
	return nil
}

func (o *UploadOptions) Validate() error {
	if o.BuildPattern == "" {
		return errors.New("--build is required")
	}
	if len(o.archived) > 0 && o.ArtifactsDir == "" {
		return errors.New("--archived and --archived-manifest require --artifacts-dir")
	}
	if o.ProxyHost == "" && (o.ProxyPort != 0 || o.ProxyUsername != "" || o.ProxyPassword != "") {
		return errors.New("proxy settings require --proxy-host")
	}
	return nil
}

func (o *UploadOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := o.run(ctx)
	if !out.Success {
		return fmt.Errorf("%w: %s error", ErrUploadFailed, out.Kind)
	}
	return nil
}

func (o *UploadOptions) run(ctx context.Context) upload.Outcome {
	s := o.root.Sink()

	store, err := locate.OpenStore(ctx, o.ArtifactsDir, o.archived, s)
	if err != nil {
		msg := "Unable to read the artifacts directory: " + err.Error()
		s.Println(msg)
		return upload.Failed(upload.KindConfiguration, msg)
	}

	ws, err := tree.Open(ctx, o.Workspace, o.config.TreeOptions())
	if err != nil {
		msg := "Unable to open the workspace: " + err.Error()
		s.Println(msg)
		return upload.Failed(upload.KindConnectivity, msg)
	}
	defer func() { _ = ws.Close() }()

	opts := pipeline.Options{
		BuildPattern:     o.BuildPattern,
		SourceMapPattern: o.MappingFile,
		Store:            store,
		Workspace:        ws,
		APIKey:           o.apiKey,
		DryRun:           o.DontUpload,
		SendFromRemote:   o.SendFromRemote,
		Metadata:         upload.Metadata{ReleaseType: o.ReleaseType, ExternalID: o.externalID},
		Client:           upload.ClientOptions{InitURL: o.config.InitURL, UserAgent: userAgent()},
	}
	if o.ProxyHost != "" {
		opts.Proxy = &pipeline.ProxyOptions{
			Hostname:          o.ProxyHost,
			Port:              o.ProxyPort,
			Username:          o.ProxyUsername,
			Password:          o.ProxyPassword,
			AllowUntrustedTLS: o.ProxyInsecure,
		}
	}
	if o.CredentialUsername != "" || o.CredentialPassword != "" {
		opts.Credential = &pipeline.CredentialOptions{
			Username: o.CredentialUsername,
			Password: o.CredentialPassword,
			Comments: o.CredentialComments,
		}
	}

	p, err := pipeline.New(opts, s)
	if err != nil {
		s.Println(err.Error())
		return upload.Failed(upload.KindConfiguration, err.Error())
	}
	return p.Run(ctx)
}
