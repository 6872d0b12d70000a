package tree

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures access to an S3-compatible object store.
type S3Config struct {
	Endpoint     string `envconfig:"DT_S3_ENDPOINT" default:"s3.amazonaws.com"`
	Region       string `envconfig:"DT_S3_REGION"`
	AccessKey    string `envconfig:"DT_S3_ACCESS_KEY"`
	SecretKey    string `envconfig:"DT_S3_SECRET_KEY"`
	SessionToken string `envconfig:"DT_S3_SESSION_TOKEN"`
	UseSSL       bool   `envconfig:"DT_S3_USE_SSL" default:"true"`
}

// S3 is a Tree over the objects of an S3-compatible bucket sharing a prefix.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 creates an S3 tree for bucket/prefix. Explicit keys take precedence;
// without them the AWS environment, shared credentials file and instance
// role are tried in that order.
func NewS3(cfg S3Config, bucket, prefix string) (*S3, error) {
	var creds *credentials.Credentials
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
		})
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("tree: failed to create S3 client: %w", err)
	}
	return &S3{client: client, bucket: bucket, prefix: normalizePrefix(prefix)}, nil
}

func (t *S3) Root() string { return "s3://" + t.bucket + "/" + t.prefix }

func (t *S3) Remote() bool { return true }

func (t *S3) Close() error { return nil }

func (t *S3) List(ctx context.Context) ([]string, error) {
	var files []string
	objects := t.client.ListObjects(ctx, t.bucket, minio.ListObjectsOptions{
		Prefix:    t.prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("tree: %w: %s: %w", ErrUnreadable, t.Root(), obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		files = append(files, strings.TrimPrefix(obj.Key, t.prefix))
	}
	return files, nil
}

func (t *S3) Size(ctx context.Context, rel string) (int64, error) {
	info, err := t.client.StatObject(ctx, t.bucket, t.prefix+rel, minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("tree: failed to stat %q: %w", t.Root()+rel, err)
	}
	return info.Size, nil
}

// Open returns a lazily fetched object; request errors surface on the first
// read.
func (t *S3) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	obj, err := t.client.GetObject(ctx, t.bucket, t.prefix+rel, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("tree: failed to open %q: %w", t.Root()+rel, err)
	}
	return obj, nil
}
