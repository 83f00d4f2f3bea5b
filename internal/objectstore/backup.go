package objectstore

import (
	"context"
	"errors"
	"io"
	"log/slog"

	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
)

// BackupStore decorates a primary Store with a secondary bucket: reads that
// miss the primary are retried against the backup. Writes and deletes only
// touch the primary.
type BackupStore struct {
	Store
	backup Store
	log    *slog.Logger
}

// WithBackup wraps primary with a read-through fallback to backup.
func WithBackup(primary, backup Store, log *slog.Logger) *BackupStore {
	return &BackupStore{Store: primary, backup: backup, log: log}
}

// Get reads from the primary, falling back to the backup on a miss.
func (s *BackupStore) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	body, etag, err := s.Store.Get(ctx, key)
	if err != nil && errors.Is(err, pipeerr.ErrNotFound) {
		s.log.Debug("primary miss, trying backup bucket", slog.String("key", key))
		return s.backup.Get(ctx, key)
	}
	return body, etag, err
}

// GetRange reads a range from the primary, falling back to the backup on a
// miss.
func (s *BackupStore) GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, string, error) {
	body, etag, err := s.Store.GetRange(ctx, key, start, end)
	if err != nil && errors.Is(err, pipeerr.ErrNotFound) {
		s.log.Debug("primary miss, trying backup bucket", slog.String("key", key))
		return s.backup.GetRange(ctx, key, start, end)
	}
	return body, etag, err
}

// Head describes an object, falling back to the backup on a miss.
func (s *BackupStore) Head(ctx context.Context, key string) (*HeadInfo, error) {
	info, err := s.Store.Head(ctx, key)
	if err != nil && errors.Is(err, pipeerr.ErrNotFound) {
		return s.backup.Head(ctx, key)
	}
	return info, err
}

var _ Store = (*BackupStore)(nil)
