package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ParseGCSURL splits gs://bucket/prefix into bucket and object prefix.
func ParseGCSURL(url string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(url, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URL: %q", url)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", url)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// ObjectName returns the object name a local file is uploaded to under prefix.
func ObjectName(prefix, localPath string) string {
	return path.Join(prefix, filepath.Base(localPath))
}

// Uploader copies archives to Google Cloud Storage.
type Uploader struct {
	client *storage.Client
}

// NewUploader creates a storage client. An empty credentialsFile uses
// application default credentials.
func NewUploader(ctx context.Context, credentialsFile string) (*Uploader, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Uploader{client: client}, nil
}

// Upload copies localPath to the gs:// destination and returns the full
// object URL.
func (u *Uploader) Upload(ctx context.Context, localPath, destination string) (string, error) {
	bucket, prefix, err := ParseGCSURL(destination)
	if err != nil {
		return "", err
	}
	object := ObjectName(prefix, localPath)

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	w := u.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/gzip"

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to upload %s to gs://%s/%s: %w", localPath, bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish upload to gs://%s/%s: %w", bucket, object, err)
	}
	return fmt.Sprintf("gs://%s/%s", bucket, object), nil
}

func (u *Uploader) Close() error {
	return u.client.Close()
}
