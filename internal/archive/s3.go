package archive

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotConfigured = errors.New("archive: S3 endpoint, bucket or credentials missing")

type Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// Prefix is prepended to every object key.
	Prefix string
}

// objectStore is the subset of the minio client the uploader uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Uploader copies finished recordings to S3-compatible storage.
type Uploader struct {
	client objectStore
	bucket string
	prefix string
	now    func() time.Time
}

func New(ctx context.Context, opts Options) (*Uploader, error) {
	if strings.TrimSpace(opts.Endpoint) == "" || strings.TrimSpace(opts.Bucket) == "" ||
		opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, ErrNotConfigured
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init S3 client: %w", err)
	}

	return newUploader(ctx, client, opts.Bucket, opts.Prefix)
}

func newUploader(ctx context.Context, client objectStore, bucket, prefix string) (*Uploader, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", bucket)
	}

	return &Uploader{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}, nil
}

// Upload stores the file at localPath under a date-partitioned key and
// returns its s3:// URI.
func (u *Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("stat recording: %w", err)
	}

	key := u.objectKey(localPath)
	_, err := u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{
		ContentType:  contentType(localPath),
		UserMetadata: map[string]string{"uploaded-at": u.now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

func (u *Uploader) objectKey(localPath string) string {
	date := u.now().UTC().Format("2006-01-02")
	key := path.Join(date, filepath.Base(localPath))
	if u.prefix != "" {
		key = path.Join(u.prefix, key)
	}
	return key
}

func contentType(localPath string) string {
	ext := strings.ToLower(filepath.Ext(localPath))
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
