package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatheorem/dtupload/internal/config"
	"github.com/datatheorem/dtupload/internal/upload"
)

// unsetenv removes key for the duration of the test.
func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_Defaults(t *testing.T) {
	unsetenv(t,
		"DATA_THEOREM_UPLOAD_INIT_URL",
		"DT_GCS_CREDENTIALS_FILE",
		"DT_SSH_PORT",
		"DT_SSH_HOST_KEY_VERIFICATION",
		"DT_S3_ENDPOINT",
		"DT_S3_USE_SSL",
		upload.APIKeyEnv,
	)

	c, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, upload.DefaultInitURL, c.InitURL)
	assert.Equal(t, 22, c.SSH.Port)
	assert.Equal(t, "strict", c.SSH.HostKeyVerification)
	assert.Equal(t, "s3.amazonaws.com", c.S3.Endpoint)
	assert.True(t, c.S3.UseSSL)
	assert.Empty(t, c.TreeOptions().GCS)
	assert.Nil(t, c.APIKey)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DATA_THEOREM_UPLOAD_INIT_URL", "http://localhost:9000/init")
	t.Setenv("DT_SSH_USER", "jenkins")
	t.Setenv("DT_SSH_PORT", "2222")
	t.Setenv("DT_S3_ENDPOINT", "minio:9000")
	t.Setenv("DT_S3_USE_SSL", "false")
	t.Setenv("DT_GCS_CREDENTIALS_FILE", "/etc/dtupload/gcs.json")
	t.Setenv(upload.APIKeyEnv, "secret")

	c, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000/init", c.InitURL)
	assert.Equal(t, "jenkins", c.SSH.User)
	assert.Equal(t, 2222, c.SSH.Port)
	assert.Equal(t, "minio:9000", c.S3.Endpoint)
	assert.False(t, c.S3.UseSSL)
	require.NotNil(t, c.APIKey)
	assert.Equal(t, "secret", *c.APIKey)

	opts := c.TreeOptions()
	assert.Len(t, opts.GCS, 1)
	assert.Equal(t, "jenkins", opts.SSH.User)
}

func TestLoad_EmptyAPIKeyIsNotMissing(t *testing.T) {
	t.Setenv(upload.APIKeyEnv, "")

	c, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, c.APIKey)
	assert.Empty(t, *c.APIKey)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("DT_SSH_PORT", "twenty-two")

	_, err := config.Load()
	assert.Error(t, err)
}
