// Package objectstore provides the durable blob storage abstraction for raw
// data items, bundle payloads, and bundle transactions.
package objectstore

import (
	"context"
	"io"
)

// Well-known key prefixes.
const (
	RawDataItemPrefix      = "raw-data-item/"
	BundlePayloadPrefix    = "bundle-payload/"
	BundlePrefix           = "bundle/"
	MultipartUploadsPrefix = "multipart-uploads/"
)

// Metadata keys attached to raw data item blobs.
const (
	MetaPayloadDataStart   = "payload-data-start"
	MetaPayloadContentType = "payload-content-type"
)

// RawDataItemKey returns the blob key for a raw data item.
func RawDataItemKey(dataItemID string) string {
	return RawDataItemPrefix + dataItemID
}

// BundlePayloadKey returns the blob key for a bundle payload stream.
func BundlePayloadKey(planID string) string {
	return BundlePayloadPrefix + planID
}

// BundleKey returns the blob key for a signed bundle transaction envelope.
func BundleKey(bundleID string) string {
	return BundlePrefix + bundleID
}

// PutOptions carries optional attributes for a Put.
type PutOptions struct {
	ContentType   string
	ContentLength int64
	Metadata      map[string]string
}

// HeadInfo describes a stored object.
type HeadInfo struct {
	ETag          string
	ContentLength int64
	ContentType   string
	Metadata      map[string]string
}

// Part identifies one part of a multipart upload.
type Part struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// MoveOptions configures a Move.
type MoveOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is the blob storage interface. Writes are idempotent by key: every
// key is either a content hash or a plan id written once per prepare run.
type Store interface {
	// Put stores an object, aborting cleanly on an upstream stream error.
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	// Get returns the object stream and its etag.
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	// GetRange returns a byte range [start, end] of the object.
	GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, string, error)
	// Head describes an object; a missing object yields ErrNotFound.
	Head(ctx context.Context, key string) (*HeadInfo, error)
	// Move copies then deletes; objects over the multipart threshold are
	// copied part-wise in parallel.
	Move(ctx context.Context, src, dst string, opts MoveOptions) error
	// Remove deletes an object.
	Remove(ctx context.Context, key string) error

	// Multipart upload surface, used by the upload ingress.
	CreateMultipartUpload(ctx context.Context, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader) (etag string, err error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error
	ListParts(ctx context.Context, key, uploadID string) ([]Part, error)
}
