package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	uploads map[string]*memoryUpload
}

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	etag        string
}

type memoryUpload struct {
	key   string
	parts map[int32][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		uploads: make(map[string]*memoryUpload),
	}
}

// Put stores an object.
func (s *MemoryStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return &pipeerr.BlobError{Key: key, Err: err}
	}
	sum := md5.Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{
		data:        data,
		contentType: opts.ContentType,
		metadata:    opts.Metadata,
		etag:        hex.EncodeToString(sum[:]),
	}
	return nil
}

// Get returns the object stream and etag.
func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, "", &pipeerr.BlobError{Key: key, Err: pipeerr.ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.etag, nil
}

// GetRange returns bytes [start, end] of the object.
func (s *MemoryStore) GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, string, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, "", &pipeerr.BlobError{Key: key, Err: pipeerr.ErrNotFound}
	}
	if start < 0 || start >= int64(len(obj.data)) {
		return nil, "", &pipeerr.BlobError{Key: key, Err: fmt.Errorf("range start %d out of bounds", start)}
	}
	if end >= int64(len(obj.data)) {
		end = int64(len(obj.data)) - 1
	}
	return io.NopCloser(bytes.NewReader(obj.data[start : end+1])), obj.etag, nil
}

// Head describes an object.
func (s *MemoryStore) Head(ctx context.Context, key string) (*HeadInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, &pipeerr.BlobError{Key: key, Err: pipeerr.ErrNotFound}
	}
	return &HeadInfo{
		ETag:          obj.etag,
		ContentLength: int64(len(obj.data)),
		ContentType:   obj.contentType,
		Metadata:      obj.metadata,
	}, nil
}

// Move copies src to dst and deletes src.
func (s *MemoryStore) Move(ctx context.Context, src, dst string, opts MoveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[src]
	if !ok {
		return &pipeerr.BlobError{Key: src, Err: pipeerr.ErrNotFound}
	}
	if opts.ContentType != "" {
		obj.contentType = opts.ContentType
	}
	if opts.Metadata != nil {
		obj.metadata = opts.Metadata
	}
	s.objects[dst] = obj
	delete(s.objects, src)
	return nil
}

// Remove deletes an object.
func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// CreateMultipartUpload starts a multipart upload.
func (s *MemoryStore) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	uploadID := ulid.Make().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[uploadID] = &memoryUpload{key: key, parts: make(map[int32][]byte)}
	return uploadID, nil
}

// UploadPart stores one part of a multipart upload.
func (s *MemoryStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", &pipeerr.BlobError{Key: key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	upload, ok := s.uploads[uploadID]
	if !ok || upload.key != key {
		return "", &pipeerr.BlobError{Key: key, Err: pipeerr.ErrNotFound}
	}
	upload.parts[partNumber] = data
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// CompleteMultipartUpload assembles the parts into the final object.
func (s *MemoryStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	upload, ok := s.uploads[uploadID]
	if !ok || upload.key != key {
		return &pipeerr.BlobError{Key: key, Err: pipeerr.ErrNotFound}
	}

	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var data []byte
	for _, p := range sorted {
		chunk, ok := upload.parts[p.PartNumber]
		if !ok {
			return &pipeerr.BlobError{Key: key, Err: fmt.Errorf("missing part %d", p.PartNumber)}
		}
		data = append(data, chunk...)
	}
	sum := md5.Sum(data)
	s.objects[key] = memoryObject{data: data, etag: hex.EncodeToString(sum[:])}
	delete(s.uploads, uploadID)
	return nil
}

// ListParts lists the uploaded parts of a multipart upload.
func (s *MemoryStore) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	upload, ok := s.uploads[uploadID]
	if !ok || upload.key != key {
		return nil, &pipeerr.BlobError{Key: key, Err: pipeerr.ErrNotFound}
	}

	parts := make([]Part, 0, len(upload.parts))
	for num, data := range upload.parts {
		sum := md5.Sum(data)
		parts = append(parts, Part{PartNumber: num, ETag: hex.EncodeToString(sum[:]), Size: int64(len(data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

var _ Store = (*MemoryStore)(nil)
