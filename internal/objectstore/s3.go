// Package objectstore uploads attachment bytes to S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
)

// Options configures the S3 client. Endpoint selects an S3-compatible
// server such as MinIO and switches to path-style addressing.
type Options struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// S3 stores objects in one bucket and hands out their public URLs.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	opts     Options
}

// NewS3 builds the client. Static credentials are used when AccessKey is
// set, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, opts Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	loadOpts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, uploader: manager.NewUploader(client), opts: opts}, nil
}

// Put uploads data under key and returns its URL. progress, if not nil,
// receives the fraction of bytes handed to the uploader so far.
func (s *S3) Put(ctx context.Context, data []byte, key string, progress func(float64)) (string, error) {
	var body io.Reader = bytes.NewReader(data)
	if progress != nil {
		body = &progressReader{r: body, total: int64(len(data)), report: progress}
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(http.DetectContentType(data)),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.URL(key), nil
}

// Delete removes the object behind a URL previously returned by Put.
func (s *S3) Delete(ctx context.Context, objectURL string) error {
	key, err := s.KeyFromURL(objectURL)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	return err
}

// URL returns the public URL of key.
func (s *S3) URL(key string) string {
	return s.base() + "/" + escapeKey(key)
}

// KeyFromURL recovers the object key from a URL built by URL.
func (s *S3) KeyFromURL(objectURL string) (string, error) {
	prefix := s.base() + "/"
	rest, ok := strings.CutPrefix(objectURL, prefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("objectstore: %q is not an object of bucket %s", objectURL, s.opts.Bucket)
	}
	return url.PathUnescape(rest)
}

func (s *S3) base() string {
	switch {
	case s.opts.PublicBaseURL != "":
		return strings.TrimRight(s.opts.PublicBaseURL, "/")
	case s.opts.Endpoint != "":
		return strings.TrimRight(s.opts.Endpoint, "/") + "/" + s.opts.Bucket
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", s.opts.Bucket, s.opts.Region)
	}
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// Key builds an object path of the form {category}/{scopeID}/{generatedID}.{ext}.
func Key(category, scopeID, ext string) string {
	id := strings.ToLower(ulid.Make().String())
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return category + "/" + scopeID + "/" + id
	}
	return category + "/" + scopeID + "/" + id + "." + ext
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   atomic.Int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.total > 0 {
		done := p.read.Add(int64(n))
		p.report(min(float64(done)/float64(p.total), 1))
	}
	return n, err
}
