package askbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	storage_go "github.com/supabase-community/storage-go"
	"log/slog"
)

var ErrStorageNotConfigured = errors.New("object storage is not configured")

// ObjectStorage uploads files and resolves their public URLs
type ObjectStorage interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) (string, error)
}

// supabaseStorage is an [ObjectStorage] backed by a Supabase storage bucket
type supabaseStorage struct {
	client *storage_go.Client
	bucket string
	logger *slog.Logger
}

func newSupabaseStorage(cfg *StorageConfig, logger *slog.Logger) *supabaseStorage {
	if logger == nil {
		logger = slog.Default()
	}
	s := &supabaseStorage{
		bucket: cfg.Bucket,
		logger: logger.With(loggerNameKey, "storage"),
	}
	if cfg.URL != "" {
		s.client = storage_go.NewClient(
			cfg.URL,
			cfg.Token,
			map[string]string{"apikey": cfg.Token},
		)
	}
	return s
}

// Upload writes data to path in the bucket, replacing any existing object.
// The supabase client doesn't take a context, so ctx is only checked
// before the request is sent.
func (s *supabaseStorage) Upload(
	ctx context.Context,
	path string,
	data []byte,
	contentType string,
) error {
	if s.client == nil {
		return ErrStorageNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	upsert := true
	_, err := s.client.UploadFile(
		s.bucket,
		path,
		bytes.NewReader(data),
		storage_go.FileOptions{
			ContentType: &contentType,
			Upsert:      &upsert,
		},
	)
	if err != nil {
		return fmt.Errorf("error uploading %s/%s: %w", s.bucket, path, err)
	}
	s.logger.InfoContext(ctx, "uploaded object", "bucket", s.bucket, "path", path, "size", len(data))
	return nil
}

func (s *supabaseStorage) PublicURL(path string) (string, error) {
	if s.client == nil {
		return "", ErrStorageNotConfigured
	}
	resp := s.client.GetPublicUrl(s.bucket, path)
	return resp.SignedURL, nil
}
