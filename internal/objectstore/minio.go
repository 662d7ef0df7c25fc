package objectstore

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// NewMinIOClient validates cfg and returns a client for its endpoint.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// Uploader puts exported files into a bucket.
type Uploader struct {
	client *minio.Client
	region string
}

// NewUploader creates an Uploader from cfg.
func NewUploader(cfg Config) (*Uploader, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Uploader{client: client, region: cfg.Region}, nil
}

// NewUploaderWithClient wraps an existing client.
func NewUploaderWithClient(client *minio.Client, region string) (*Uploader, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &Uploader{client: client, region: region}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (u *Uploader) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := u.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket %s exists: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
}

// Put uploads size bytes from body. A size of -1 streams until EOF.
func (u *Uploader) Put(ctx context.Context, t Target, body io.Reader, size int64, contentType string) (minio.UploadInfo, error) {
	if u == nil || u.client == nil {
		return minio.UploadInfo{}, fmt.Errorf("uploader not initialized")
	}
	info, err := u.client.PutObject(ctx, t.Bucket, t.Key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("put %s: %w", t, err)
	}
	return info, nil
}

// UploadFile ensures the bucket exists and uploads the file at path.
func (u *Uploader) UploadFile(ctx context.Context, t Target, path, contentType string) (minio.UploadInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if err := u.EnsureBucket(ctx, t.Bucket); err != nil {
		return minio.UploadInfo{}, err
	}
	return u.Put(ctx, t, f, st.Size(), contentType)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
