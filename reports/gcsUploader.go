package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type Uploader interface {
	Upload(ctx context.Context, objectName, contentType string, r io.Reader) (string, error)
}

type GCSUploader struct {
	Client *storage.Client
	Bucket string
}

// NewGCSUploaderFromEnv uses GCS_BUCKET, and GCS_CREDENTIALS_JSON when set; otherwise ADC.
func NewGCSUploaderFromEnv(ctx context.Context) (*GCSUploader, error) {
	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	var (
		client *storage.Client
		err    error
	)
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &GCSUploader{Client: client, Bucket: bucket}, nil
}

func (u *GCSUploader) Upload(ctx context.Context, objectName, contentType string, r io.Reader) (string, error) {
	wc := u.Client.Bucket(u.Bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := io.Copy(wc, r); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", objectName, err)
	}
	return fmt.Sprintf("gs://%s/%s", u.Bucket, objectName), nil
}

func (u *GCSUploader) Close() error {
	if u.Client == nil {
		return nil
	}
	return u.Client.Close()
}
