package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	cliflag "github.com/tomasbasham/cli-runtime/flag"
	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/printer"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/datatheorem/dtupload/internal/sink"
)

const (
	logFormatText = "text"
	logFormatJSON = "json"
)

var (
	rootLong = templates.LongDesc(`
		Locate a mobile application build and upload it to Data Theorem for
		security scanning.`)

	rootExamples = templates.Examples(`
		# Upload the first APK found in the current directory
		dtupload upload --build '*.apk'

		# Serve upload runs over HTTP
		dtupload serve --port 8080`)

	// Injected at build time using ldflags.
	version = ""
	commit  = ""
)

// RootOptions defines the options for the `dtupload` command.
type RootOptions struct {
	LogFormat string

	iooption.IOStreams
}

// NewRootOptions provides an initialised RootOptions instance.
func NewRootOptions(streams iooption.IOStreams) *RootOptions {
	return &RootOptions{
		LogFormat: logFormatText,
		IOStreams: streams,
	}
}

// NewRootCommand creates the `dtupload` command with default arguments.
func NewRootCommand() *cobra.Command {
	options := NewRootOptions(iooption.IOStreams{
		In:     os.Stdin,
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	})

	return NewRootCommandWithArgs(options)
}

// NewRootCommandWithArgs creates the `dtupload` command and its nested
// children.
func NewRootCommandWithArgs(o *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "dtupload [command]",
		Version:               versionInfo(),
		DisableFlagsInUseLine: true,
		Short:                 "Data Theorem mobile build uploader",
		Long:                  rootLong,
		Example:               rootExamples,
		SilenceErrors:         true,
		SilenceUsage:          true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.Validate()
		},
	}

	cmd.PersistentFlags().StringVar(&o.LogFormat, "log-format", o.LogFormat, "Output format for progress lines: text or json")

	printerOpts := printer.WarningPrinterOptions{Color: true}
	printer := printer.NewWarningPrinter(o.ErrOut, printerOpts)
	cmd.SetGlobalNormalizationFunc(cliflag.WarnWordSepNormalizeFunc(printer))

	cmd.AddCommand(NewUploadCommand(NewUploadOptions(o)))
	cmd.AddCommand(NewServeCommand(NewServeOptions(o)))

	// The globlal normalisation function ensures that all flags specified meet
	// the desired format, changing users' input if necessary.
	cmd.SetGlobalNormalizationFunc(cliflag.WordSepNormalizeFunc())

	return cmd
}

func (o *RootOptions) Validate() error {
	switch o.LogFormat {
	case logFormatText, logFormatJSON:
		return nil
	default:
		return fmt.Errorf("unsupported log format %q: must be %s or %s", o.LogFormat, logFormatText, logFormatJSON)
	}
}

// Logger returns the diagnostic logger, written to ErrOut.
func (o *RootOptions) Logger() zerolog.Logger {
	var w io.Writer = o.ErrOut
	if o.LogFormat == logFormatText {
		w = zerolog.ConsoleWriter{Out: o.ErrOut, TimeFormat: time.RFC3339, NoColor: true}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Sink returns the sink progress lines are written to.
func (o *RootOptions) Sink() sink.Sink {
	if o.LogFormat == logFormatJSON {
		return sink.NewLogger(zerolog.New(o.Out).With().Timestamp().Logger())
	}
	return sink.NewWriter(o.Out)
}

func userAgent() string {
	if version == "" {
		return "dtupload/dev"
	}
	return "dtupload/" + version
}

func versionInfo() string {
	if version == "" {
		return ""
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
