package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/permanode/fulfillment/internal/config"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
)

const (
	// multipartCopyThreshold is the object size above which Move switches
	// to parallel multipart copy.
	multipartCopyThreshold = int64(5) << 30
	multipartCopyPartSize  = int64(5) << 30
	multipartCopyParallel  = 10
)

// S3Store is the S3-backed Store implementation.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Client builds an S3 client from the AWS config section, honoring a
// custom endpoint and path-style addressing for local stacks.
func NewS3Client(ctx context.Context, cfg config.AWSConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.S3ForcePathStyle
	})
	return client, nil
}

// NewS3Store creates a Store over the given bucket.
func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}
}

// Put stores an object. The uploader consumes the body as a stream; an
// upstream read error aborts the upload.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentLength > 0 {
		input.ContentLength = aws.Int64(opts.ContentLength)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return &pipeerr.BlobError{Key: key, Err: err}
	}
	return nil
}

// Get returns the object stream and etag.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	return s.get(ctx, key, nil)
}

// GetRange returns bytes [start, end] of the object.
func (s *S3Store) GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, string, error) {
	rng := fmt.Sprintf("bytes=%d-%d", start, end)
	return s.get(ctx, key, &rng)
}

func (s *S3Store) get(ctx context.Context, key string, rng *string) (io.ReadCloser, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  rng,
	})
	if err != nil {
		return nil, "", &pipeerr.BlobError{Key: key, Err: mapS3Error(err)}
	}
	return out.Body, aws.ToString(out.ETag), nil
}

// Head describes an object.
func (s *S3Store) Head(ctx context.Context, key string) (*HeadInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &pipeerr.BlobError{Key: key, Err: mapS3Error(err)}
	}
	return &HeadInfo{
		ETag:          aws.ToString(out.ETag),
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
		Metadata:      out.Metadata,
	}, nil
}

// Move copies src to dst and deletes src. Objects above the 5 GiB copy
// limit are copied with parallel UploadPartCopy calls.
func (s *S3Store) Move(ctx context.Context, src, dst string, opts MoveOptions) error {
	head, err := s.Head(ctx, src)
	if err != nil {
		return err
	}

	if head.ContentLength > multipartCopyThreshold {
		if err := s.multipartCopy(ctx, src, dst, head.ContentLength, opts); err != nil {
			return err
		}
	} else {
		input := &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(dst),
			CopySource: aws.String(s.bucket + "/" + src),
		}
		if opts.ContentType != "" || opts.Metadata != nil {
			input.MetadataDirective = types.MetadataDirectiveReplace
			input.Metadata = opts.Metadata
			if opts.ContentType != "" {
				input.ContentType = aws.String(opts.ContentType)
			}
		}
		if _, err := s.client.CopyObject(ctx, input); err != nil {
			return &pipeerr.BlobError{Key: src, Err: mapS3Error(err)}
		}
	}

	return s.Remove(ctx, src)
}

func (s *S3Store) multipartCopy(ctx context.Context, src, dst string, size int64, opts MoveOptions) error {
	createInput := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(dst),
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		createInput.ContentType = aws.String(opts.ContentType)
	}
	created, err := s.client.CreateMultipartUpload(ctx, createInput)
	if err != nil {
		return &pipeerr.BlobError{Key: dst, Err: mapS3Error(err)}
	}
	uploadID := created.UploadId

	numParts := int((size + multipartCopyPartSize - 1) / multipartCopyPartSize)
	completed := make([]types.CompletedPart, numParts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(multipartCopyParallel)
	for i := 0; i < numParts; i++ {
		g.Go(func() error {
			start := int64(i) * multipartCopyPartSize
			end := start + multipartCopyPartSize - 1
			if end >= size {
				end = size - 1
			}
			partNumber := int32(i + 1)
			out, err := s.client.UploadPartCopy(gctx, &s3.UploadPartCopyInput{
				Bucket:          aws.String(s.bucket),
				Key:             aws.String(dst),
				UploadId:        uploadID,
				PartNumber:      aws.Int32(partNumber),
				CopySource:      aws.String(s.bucket + "/" + src),
				CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
			})
			if err != nil {
				return err
			}
			completed[i] = types.CompletedPart{
				ETag:       out.CopyPartResult.ETag,
				PartNumber: aws.Int32(partNumber),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(dst),
			UploadId: uploadID,
		})
		return &pipeerr.BlobError{Key: dst, Err: mapS3Error(err)}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(dst),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return &pipeerr.BlobError{Key: dst, Err: mapS3Error(err)}
	}
	return nil
}

// Remove deletes an object.
func (s *S3Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &pipeerr.BlobError{Key: key, Err: mapS3Error(err)}
	}
	return nil
}

// CreateMultipartUpload starts a multipart upload for the key.
func (s *S3Store) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", &pipeerr.BlobError{Key: key, Err: mapS3Error(err)}
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads one part of a multipart upload.
func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       body,
	})
	if err != nil {
		return "", &pipeerr.BlobError{Key: key, Err: mapS3Error(err)}
	}
	return aws.ToString(out.ETag), nil
}

// CompleteMultipartUpload finishes a multipart upload.
func (s *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return &pipeerr.BlobError{Key: key, Err: mapS3Error(err)}
	}
	return nil
}

// ListParts lists the uploaded parts of a multipart upload.
func (s *S3Store) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	var parts []Part
	var marker *string
	for {
		out, err := s.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(s.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, &pipeerr.BlobError{Key: key, Err: mapS3Error(err)}
		}
		for _, p := range out.Parts {
			parts = append(parts, Part{
				PartNumber: aws.ToInt32(p.PartNumber),
				ETag:       aws.ToString(p.ETag),
				Size:       aws.ToInt64(p.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}
	return parts, nil
}

// mapS3Error folds the S3 error shapes for a missing object into
// ErrNotFound so callers can classify with errors.Is.
func mapS3Error(err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %v", pipeerr.ErrNotFound, err)
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", pipeerr.ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchUpload", "AccessDenied":
			return fmt.Errorf("%w: %v", pipeerr.ErrNotFound, err)
		}
	}
	return err
}

var _ Store = (*S3Store)(nil)
