package synthcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of the S3 API used by S3Store. *s3.Client
// satisfies it.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config describes an S3 or S3-compatible bucket.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds a client from static settings. An empty access key
// means anonymous access. A custom endpoint switches to path-style
// addressing, which MinIO and most compatible stores expect.
func NewS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{Region: cfg.Region}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	if cfg.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Source:          "voicegate",
		}
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}
	return s3.New(opts)
}

// S3Store keeps entries as <prefix>/<key>.pcm objects. An upload streams
// through a pipe and is only completed on Commit; Abort fails the upload so
// no object is created.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

func NewS3Store(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key + Ext
	}
	return s.prefix + "/" + key + Ext
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("synthcache: %s: %w", key, fs.ErrNotExist)
		}
		return nil, err
	}
	return out.Body, nil
}

var errUploadAborted = errors.New("synthcache: upload aborted")

func (s *S3Store) Create(ctx context.Context, key string) (Writer, error) {
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		_, w.uploadErr = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.objectKey(key)),
			Body:        pr,
			ContentType: aws.String("audio/L16"),
		})
		// Unblock pending writes if the upload failed early.
		pr.CloseWithError(w.uploadErr)
	}()
	return w, nil
}

type s3Writer struct {
	pw        *io.PipeWriter
	done      chan struct{}
	uploadErr error
	once      sync.Once
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Commit() error {
	w.once.Do(func() { _ = w.pw.Close() })
	<-w.done
	return w.uploadErr
}

func (w *s3Writer) Abort() error {
	w.once.Do(func() { _ = w.pw.CloseWithError(errUploadAborted) })
	<-w.done
	return nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
