// Package config loads the environment-provided settings for dtupload.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"google.golang.org/api/option"

	"github.com/datatheorem/dtupload/internal/tree"
	"github.com/datatheorem/dtupload/internal/upload"
)

// Config is read from the process environment. Command line flags take
// precedence over every value here.
type Config struct {
	InitURL            string `envconfig:"DATA_THEOREM_UPLOAD_INIT_URL" default:"https://api.securetheorem.com/uploadapi/v1/upload_init"`
	GCSCredentialsFile string `envconfig:"DT_GCS_CREDENTIALS_FILE"`

	SSH tree.SSHConfig
	S3  tree.S3Config

	// APIKey is nil when DATA_THEOREM_UPLOAD_API_KEY is not set at all.
	APIKey *string `ignored:"true"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if v, ok := os.LookupEnv(upload.APIKeyEnv); ok {
		c.APIKey = &v
	}
	return &c, nil
}

// TreeOptions returns the settings needed to open remote workspaces.
func (c *Config) TreeOptions() tree.Options {
	opts := tree.Options{SSH: c.SSH, S3: c.S3}
	if c.GCSCredentialsFile != "" {
		opts.GCS = append(opts.GCS, option.WithCredentialsFile(c.GCSCredentialsFile))
	}
	return opts
}
