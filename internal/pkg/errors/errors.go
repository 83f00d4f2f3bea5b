// Package errors defines the pipeline error taxonomy shared by the
// repositories, the object store, and the queue jobs.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify with errors.Is; the taxonomy decides
// whether a queue message is retried, warned away, or dead-lettered.
var (
	// ErrLockConflict is returned when a row is held by another worker
	// (Postgres lock_not_available under FOR UPDATE NOWAIT). Always a
	// soft skip: the queue or the next scheduler tick retries.
	ErrLockConflict = errors.New("row locked by another worker")

	// ErrNotFound is returned when a row or blob that was expected is
	// absent.
	ErrNotFound = errors.New("not found")

	// ErrDataItemExists is returned on a unique-key collision when
	// inserting a data item that is already in some lifecycle state.
	ErrDataItemExists = errors.New("data item already exists")

	// ErrMissingBlob is returned when a raw data item blob is missing
	// from the object store during prepare.
	ErrMissingBlob = errors.New("data item missing from object store")

	// ErrBundlePlanExistsInAnotherState is returned when a bundle plan
	// has already advanced past the state a job expected it in. Treated
	// as a duplicate delivery: warn and succeed.
	ErrBundlePlanExistsInAnotherState = errors.New("bundle plan exists in another state")

	// ErrInsufficientBalance is returned when the signing wallet cannot
	// cover the bundle reward. The message is left to dead-letter.
	ErrInsufficientBalance = errors.New("wallet balance below bundle reward")

	// ErrDataItemsStillPending is the verify sentinel: data items absent
	// from a confirmed bundle header have not yet hit the repack
	// threshold, so the bundle must not advance this tick.
	ErrDataItemsStillPending = errors.New("data items still pending")
)

// DataItemFailedReason records why a data item moved to the failed state.
type DataItemFailedReason string

const (
	ReasonTooManyFailures        DataItemFailedReason = "too_many_failures"
	ReasonMissingFromObjectStore DataItemFailedReason = "missing_from_object_store"
)

// BundleFailedReason records why a bundle moved to the failed state.
type BundleFailedReason string

const (
	ReasonFailedToPost BundleFailedReason = "failed_to_post"
	ReasonNotFound     BundleFailedReason = "not_found"
)

// BlobError wraps an object-store failure with the key it concerned.
type BlobError struct {
	Key string
	Err error
}

func (e *BlobError) Error() string {
	return fmt.Sprintf("object store: %s: %v", e.Key, e.Err)
}

func (e *BlobError) Unwrap() error { return e.Err }
