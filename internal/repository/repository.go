// Package repository implements the lifecycle state store. Every
// destructive transition runs in one transaction that locks its source rows
// with FOR UPDATE NOWAIT, so a contending worker fails fast and the queue
// redelivers.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/permanode/fulfillment/internal/models"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
)

// batchingSize bounds the number of rows moved per transaction.
const batchingSize = 500

// Postgres error codes the taxonomy maps.
const (
	pgCodeLockNotAvailable = "55P03"
	pgCodeUniqueViolation  = "23505"
)

// BatchInsertResult reports the outcome of a batched data-item ingest.
type BatchInsertResult struct {
	// Accepted ids were inserted into new_data_item.
	Accepted []string
	// AlreadyPresent ids exist in some lifecycle state; the ingest is
	// idempotent for them.
	AlreadyPresent []string
}

// DataItemStore persists the data-item half of the state machine.
type DataItemStore interface {
	InsertNewDataItem(ctx context.Context, item models.NewDataItem) error
	InsertNewDataItemBatch(ctx context.Context, items []models.NewDataItem) (*BatchInsertResult, error)
	GetNewDataItems(ctx context.Context, limit int) ([]models.NewDataItem, error)
	InsertBundlePlan(ctx context.Context, planID string, dataItemIDs []string) (int, error)
	GetPlannedDataItems(ctx context.Context, planID string) ([]models.PlannedDataItem, error)
	UpdateDataItemsAsPermanent(ctx context.Context, dataItemIDs []string, blockHeight int64, bundleID string) error
	UpdateDataItemsToBeRePacked(ctx context.Context, dataItemIDs []string, failedBundleID string) error
	UpdatePlannedDataItemAsFailed(ctx context.Context, dataItemID string, reason pipeerr.DataItemFailedReason) error
	GetDataItemInfo(ctx context.Context, dataItemID string) (*models.DataItemInfo, error)
}

// BundleStore persists the bundle half of the state machine.
type BundleStore interface {
	InsertNewBundle(ctx context.Context, bundle models.NewBundle) error
	GetNewBundle(ctx context.Context, planID string) (*models.NewBundle, error)
	InsertPostedBundle(ctx context.Context, bundleID string, usdToARRate *float64) error
	GetPostedBundle(ctx context.Context, planID string) (*models.PostedBundle, error)
	IsBundleSeeded(ctx context.Context, planID string) (bool, error)
	InsertSeededBundle(ctx context.Context, bundleID string) error
	GetSeededBundles(ctx context.Context, limit int) ([]models.SeededBundle, error)
	UpdateBundleAsPermanent(ctx context.Context, planID string, blockHeight int64, indexedOnGQL bool) error
	UpdateSeededBundleToDropped(ctx context.Context, planID, bundleID string) error
	UpdateNewBundleToFailedToPost(ctx context.Context, planID, bundleID string) error
}

// mapError translates pgx errors into the pipeline taxonomy. Unrecognized
// errors pass through for the caller's fatal path.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", pipeerr.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCodeLockNotAvailable:
			return fmt.Errorf("%w: %s", pipeerr.ErrLockConflict, pgErr.Message)
		case pgCodeUniqueViolation:
			return fmt.Errorf("%w: %s", pipeerr.ErrDataItemExists, pgErr.Message)
		}
	}
	return err
}

// chunkIDs splits ids into batches of at most batchingSize.
func chunkIDs(ids []string) [][]string {
	var batches [][]string
	for len(ids) > 0 {
		n := len(ids)
		if n > batchingSize {
			n = batchingSize
		}
		batches = append(batches, ids[:n])
		ids = ids[n:]
	}
	return batches
}
