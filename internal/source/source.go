// Package source opens scan exports from the local filesystem or S3.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const s3Scheme = "s3://"

// ErrInvalidURI is returned for s3:// locations without a bucket or key.
var ErrInvalidURI = errors.New("invalid source uri")

// Config configures object storage access. Credentials come from the default
// AWS chain.
type Config struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // S3-compatible services such as MinIO
}

// Object is one opened export. Callers must close Body.
type Object struct {
	Body io.ReadCloser
	Name string // base name, used for vendor and scan date detection
	Size int64  // -1 when unknown
}

// S3API is the subset of the S3 client the opener uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Opener resolves locations to readable objects.
type Opener struct {
	config Config

	once   sync.Once
	client S3API
	err    error
}

// NewOpener creates an Opener. The S3 client is built on first use.
func NewOpener(cfg Config) *Opener {
	return &Opener{config: cfg}
}

// NewOpenerWithClient creates an Opener backed by client.
func NewOpenerWithClient(client S3API) *Opener {
	o := &Opener{client: client}
	o.once.Do(func() {})
	return o
}

// Open resolves location: "s3://bucket/key" or a local path.
func (o *Opener) Open(ctx context.Context, location string) (*Object, error) {
	if bucket, key, ok, err := ParseS3URI(location); ok {
		if err != nil {
			return nil, err
		}
		return o.openS3(ctx, bucket, key)
	}
	return openFile(location)
}

// ParseS3URI splits an s3:// location. ok is false for anything that is not
// an s3:// location.
func ParseS3URI(location string) (bucket, key string, ok bool, err error) {
	if !strings.HasPrefix(strings.ToLower(location), s3Scheme) {
		return "", "", false, nil
	}
	rest := location[len(s3Scheme):]
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", true, fmt.Errorf("%w: %q", ErrInvalidURI, location)
	}
	return bucket, key, true, nil
}

func openFile(name string) (*Object, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", name)
	}
	return &Object{Body: f, Name: filepath.Base(name), Size: info.Size()}, nil
}

func (o *Opener) s3Client(ctx context.Context) (S3API, error) {
	o.once.Do(func() {
		var opts []func(*awsconfig.LoadOptions) error
		if o.config.Region != "" {
			opts = append(opts, awsconfig.WithRegion(o.config.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			o.err = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}

		var s3Opts []func(*s3.Options)
		if o.config.Endpoint != "" {
			s3Opts = append(s3Opts, func(so *s3.Options) {
				so.BaseEndpoint = aws.String(o.config.Endpoint)
				so.UsePathStyle = true
			})
		}
		o.client = s3.NewFromConfig(awsCfg, s3Opts...)
	})
	return o.client, o.err
}

func (o *Opener) openS3(ctx context.Context, bucket, key string) (*Object, error) {
	client, err := o.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &Object{Body: out.Body, Name: path.Base(key), Size: size}, nil
}
