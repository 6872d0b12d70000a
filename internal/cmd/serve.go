package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/datatheorem/dtupload/internal/config"
	"github.com/datatheorem/dtupload/internal/operation"
	"github.com/datatheorem/dtupload/internal/pipeline"
	"github.com/datatheorem/dtupload/internal/server"
	"github.com/datatheorem/dtupload/internal/upload"
)

type ServeOptions struct {
	root   *RootOptions
	config *config.Config

	Port      int
	LocalRoot string

	ProxyHost     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
	ProxyInsecure bool
}

var (
	serveLong = templates.LongDesc(`
		Start the upload HTTP server. Each POST /uploads request starts an
		upload run in the background; poll GET /uploads/{id} for its progress
		and outcome.`)

	serveExample = templates.Examples(`
		# Start on the default port
		dtupload serve

		# Start on a custom port
		dtupload serve --port 9090

		# Accept local workspaces under /srv/builds and upload through a proxy
		dtupload serve --local-root /srv/builds --proxy-host proxy.internal --proxy-port 3128`)
)

func NewServeOptions(root *RootOptions) *ServeOptions {
	return &ServeOptions{root: root}
}

func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the upload HTTP server",
		Long:    serveLong,
		Example: serveExample,
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

	cmd.Flags().IntVarP(&o.Port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringVar(&o.LocalRoot, "local-root", "", "Directory that local workspaces and artifacts dirs must live under. Local paths are refused when empty")
	cmd.Flags().StringVar(&o.ProxyHost, "proxy-host", "", "Proxy hostname used for every upload run")
	cmd.Flags().IntVar(&o.ProxyPort, "proxy-port", 0, "Proxy port")
	cmd.Flags().StringVar(&o.ProxyUsername, "proxy-username", "", "Proxy username")
	cmd.Flags().StringVar(&o.ProxyPassword, "proxy-password", "", "Proxy password")
	cmd.Flags().BoolVar(&o.ProxyInsecure, "proxy-insecure", false, "Accept untrusted TLS certificates from the proxy")

	return cmd
}

func (o *ServeOptions) Complete(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	o.config = cfg
	return nil
}

func (o *ServeOptions) Validate() error {
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", o.Port)
	}
	if o.ProxyHost == "" && (o.ProxyPort != 0 || o.ProxyUsername != "" || o.ProxyPassword != "" || o.ProxyInsecure) {
		return errors.New("proxy settings require --proxy-host")
	}
	return nil
}

func (o *ServeOptions) proxy() *pipeline.ProxyOptions {
	if o.ProxyHost == "" {
		return nil
	}
	return &pipeline.ProxyOptions{
		Hostname:          o.ProxyHost,
		Port:              o.ProxyPort,
		Username:          o.ProxyUsername,
		Password:          o.ProxyPassword,
		AllowUntrustedTLS: o.ProxyInsecure,
	}
}

func (o *ServeOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := o.root.Logger()
	srv := server.New(operation.NewMemoryStore(), server.Options{
		Defaults: pipeline.Options{
			APIKey: o.config.APIKey,
			Proxy:  o.proxy(),
			Client: upload.ClientOptions{InitURL: o.config.InitURL, UserAgent: userAgent()},
		},
		TreeOptions: o.config.TreeOptions(),
		LocalRoot:   o.LocalRoot,
		Logger:      logger,
	})

	addr := fmt.Sprintf(":%d", o.Port)
	logger.Info().Str("addr", addr).Msg("starting upload server")
	return srv.ListenAndServe(ctx, addr)
}
