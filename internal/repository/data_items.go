package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/permanode/fulfillment/internal/models"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
)

const newDataItemColumns = `data_item_id, owner_address, byte_count,
payload_data_start, signature_type, signature, assessed_winston_price,
uploaded_date, failed_bundles, deadline_height, premium_feature_type,
payload_content_type`

// DataItemRepo is the pgx implementation of DataItemStore.
type DataItemRepo struct {
	pool       *pgxpool.Pool
	retryLimit int
	log        *slog.Logger
}

// NewDataItemRepo creates a data-item repository. retryLimit is the
// failed-bundle count at which a repacked item moves to failed instead of
// back to new.
func NewDataItemRepo(pool *pgxpool.Pool, retryLimit int, log *slog.Logger) *DataItemRepo {
	return &DataItemRepo{
		pool:       pool,
		retryLimit: retryLimit,
		log:        log.With(slog.String("component", "data_item_repo")),
	}
}

// InsertNewDataItem inserts one data item, failing with ErrDataItemExists
// if the id is present in any lifecycle state.
func (r *DataItemRepo) InsertNewDataItem(ctx context.Context, item models.NewDataItem) error {
	present, err := r.statesContaining(ctx, r.pool, item.DataItemID)
	if err != nil {
		return mapError(err)
	}
	if present != "" {
		return fmt.Errorf("%w: %s is %s", pipeerr.ErrDataItemExists, item.DataItemID, present)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO new_data_item (`+newDataItemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		item.DataItemID, item.OwnerAddress, item.ByteCount, item.PayloadDataStart,
		item.SignatureType, item.Signature, item.AssessedWinstonPrice,
		item.UploadedDate, item.FailedBundles, item.DeadlineHeight,
		item.PremiumFeatureType, item.PayloadContentType,
	)
	return mapError(err)
}

// InsertNewDataItemBatch ingests a batch. Items present in {new, planned,
// permanent} are reported as already present; items present as failed are
// deleted and re-inserted so the upload gets another attempt.
func (r *DataItemRepo) InsertNewDataItemBatch(ctx context.Context, items []models.NewDataItem) (*BatchInsertResult, error) {
	result := &BatchInsertResult{}
	if len(items) == 0 {
		return result, nil
	}

	ids := make([]string, len(items))
	byID := make(map[string]models.NewDataItem, len(items))
	for i, item := range items {
		ids[i] = item.DataItemID
		byID[item.DataItemID] = item
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	defer tx.Rollback(ctx)

	present := make(map[string]bool)
	for _, table := range []string{"new_data_item", "planned_data_item", "permanent_data_item"} {
		rows, err := tx.Query(ctx,
			`SELECT data_item_id FROM `+table+` WHERE data_item_id = ANY($1)`, ids)
		if err != nil {
			return nil, mapError(err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, mapError(err)
			}
			present[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, mapError(err)
		}
	}

	// Failed items get a fresh attempt.
	if _, err := tx.Exec(ctx,
		`DELETE FROM failed_data_item WHERE data_item_id = ANY($1)`, ids); err != nil {
		return nil, mapError(err)
	}

	for _, id := range ids {
		if present[id] {
			result.AlreadyPresent = append(result.AlreadyPresent, id)
			continue
		}
		item := byID[id]
		if _, err := tx.Exec(ctx, `
			INSERT INTO new_data_item (`+newDataItemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			item.DataItemID, item.OwnerAddress, item.ByteCount, item.PayloadDataStart,
			item.SignatureType, item.Signature, item.AssessedWinstonPrice,
			item.UploadedDate, item.FailedBundles, item.DeadlineHeight,
			item.PremiumFeatureType, item.PayloadContentType,
		); err != nil {
			return nil, mapError(err)
		}
		result.Accepted = append(result.Accepted, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

// GetNewDataItems selects up to limit new items ordered by upload time,
// locking them for the duration of the query only. A lock conflict returns
// an empty slice: another planner has them.
func (r *DataItemRepo) GetNewDataItems(ctx context.Context, limit int) ([]models.NewDataItem, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+newDataItemColumns+`
		FROM new_data_item
		ORDER BY uploaded_date
		LIMIT $1
		FOR UPDATE NOWAIT`, limit)
	if err != nil {
		if errors.Is(mapError(err), pipeerr.ErrLockConflict) {
			return nil, nil
		}
		return nil, mapError(err)
	}
	items, err := scanNewDataItems(rows)
	if err != nil {
		if errors.Is(mapError(err), pipeerr.ErrLockConflict) {
			return nil, nil
		}
		return nil, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err)
	}
	return items, nil
}

// InsertBundlePlan creates the plan row and moves the given items from new
// to planned in batches. Items already moved or locked by another worker are
// silently skipped. Returns the number of items planned; a plan that ends up
// empty is deleted so no downstream worker sees it.
func (r *DataItemRepo) InsertBundlePlan(ctx context.Context, planID string, dataItemIDs []string) (int, error) {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO bundle_plan (plan_id, planned_date) VALUES ($1, NOW())`,
		planID); err != nil {
		return 0, mapError(err)
	}

	moved := 0
	for _, batch := range chunkIDs(dataItemIDs) {
		n, err := r.movePlanBatch(ctx, planID, batch)
		if err != nil {
			if errors.Is(err, pipeerr.ErrLockConflict) {
				r.log.Debug("plan batch locked by another worker, skipping",
					slog.String("planId", planID))
				continue
			}
			return moved, err
		}
		moved += n
	}

	if moved == 0 {
		if _, err := r.pool.Exec(ctx,
			`DELETE FROM bundle_plan WHERE plan_id = $1`, planID); err != nil {
			return 0, mapError(err)
		}
	}
	return moved, nil
}

func (r *DataItemRepo) movePlanBatch(ctx context.Context, planID string, ids []string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, mapError(err)
	}
	defer tx.Rollback(ctx)

	// Fail fast if another worker holds any of these rows.
	if _, err := tx.Exec(ctx, `
		SELECT data_item_id FROM new_data_item
		WHERE data_item_id = ANY($1)
		FOR UPDATE NOWAIT`, ids); err != nil {
		return 0, mapError(err)
	}

	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM new_data_item
			WHERE data_item_id = ANY($1)
			RETURNING *
		)
		INSERT INTO planned_data_item (`+newDataItemColumns+`, plan_id, planned_date)
		SELECT `+newDataItemColumns+`, $2::uuid, NOW() FROM moved`,
		ids, planID)
	if err != nil {
		return 0, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, mapError(err)
	}
	return int(tag.RowsAffected()), nil
}

// GetPlannedDataItems returns the planned rows of a plan in payload
// concatenation order.
func (r *DataItemRepo) GetPlannedDataItems(ctx context.Context, planID string) ([]models.PlannedDataItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+newDataItemColumns+`, plan_id, planned_date
		FROM planned_data_item
		WHERE plan_id = $1
		ORDER BY planned_date, data_item_id`, planID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var items []models.PlannedDataItem
	for rows.Next() {
		var item models.PlannedDataItem
		if err := rows.Scan(
			&item.DataItemID, &item.OwnerAddress, &item.ByteCount,
			&item.PayloadDataStart, &item.SignatureType, &item.Signature,
			&item.AssessedWinstonPrice, &item.UploadedDate, &item.FailedBundles,
			&item.DeadlineHeight, &item.PremiumFeatureType, &item.PayloadContentType,
			&item.PlanID, &item.PlannedDate,
		); err != nil {
			return nil, mapError(err)
		}
		items = append(items, item)
	}
	return items, mapError(rows.Err())
}

// UpdateDataItemsAsPermanent moves planned rows to permanent, dropping the
// signature column.
func (r *DataItemRepo) UpdateDataItemsAsPermanent(ctx context.Context, dataItemIDs []string, blockHeight int64, bundleID string) error {
	for _, batch := range chunkIDs(dataItemIDs) {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return mapError(err)
		}

		_, err = tx.Exec(ctx, `
			WITH moved AS (
				DELETE FROM planned_data_item
				WHERE data_item_id = ANY($1)
				RETURNING *
			)
			INSERT INTO permanent_data_item (
				data_item_id, owner_address, byte_count, payload_data_start,
				signature_type, assessed_winston_price, uploaded_date,
				plan_id, planned_date, bundle_id, block_height,
				deadline_height, premium_feature_type, payload_content_type
			)
			SELECT data_item_id, owner_address, byte_count, payload_data_start,
				signature_type, assessed_winston_price, uploaded_date,
				plan_id, planned_date, $2, $3,
				deadline_height, premium_feature_type, payload_content_type
			FROM moved`,
			batch, bundleID, blockHeight)
		if err != nil {
			tx.Rollback(ctx)
			return mapError(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return mapError(err)
		}
	}
	return nil
}

// UpdateDataItemsToBeRePacked moves planned rows back to new with the
// failed bundle id appended, or to failed with reason too_many_failures
// once the retry limit is reached.
func (r *DataItemRepo) UpdateDataItemsToBeRePacked(ctx context.Context, dataItemIDs []string, failedBundleID string) error {
	for _, batch := range chunkIDs(dataItemIDs) {
		if err := r.repackBatch(ctx, batch, failedBundleID); err != nil {
			return err
		}
	}
	return nil
}

func (r *DataItemRepo) repackBatch(ctx context.Context, ids []string, failedBundleID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		SELECT data_item_id FROM planned_data_item
		WHERE data_item_id = ANY($1)
		FOR UPDATE NOWAIT`, ids); err != nil {
		return mapError(err)
	}

	// Append the failed bundle id at most once per distinct failure.
	_, err = tx.Exec(ctx, `
		UPDATE planned_data_item
		SET failed_bundles = array_append(failed_bundles, $2)
		WHERE data_item_id = ANY($1)
		AND NOT failed_bundles @> ARRAY[$2]`, ids, failedBundleID)
	if err != nil {
		return mapError(err)
	}

	// Items over the retry limit fail; the rest return to new.
	_, err = tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM planned_data_item
			WHERE data_item_id = ANY($1)
			AND cardinality(failed_bundles) >= $2
			RETURNING *
		)
		INSERT INTO failed_data_item (`+newDataItemColumns+`, failed_date, failed_reason)
		SELECT `+newDataItemColumns+`, NOW(), $3 FROM moved`,
		ids, r.retryLimit, string(pipeerr.ReasonTooManyFailures))
	if err != nil {
		return mapError(err)
	}

	_, err = tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM planned_data_item
			WHERE data_item_id = ANY($1)
			RETURNING *
		)
		INSERT INTO new_data_item (`+newDataItemColumns+`)
		SELECT `+newDataItemColumns+` FROM moved`, ids)
	if err != nil {
		return mapError(err)
	}

	return mapError(tx.Commit(ctx))
}

// UpdatePlannedDataItemAsFailed moves one planned row to failed with the
// given reason.
func (r *DataItemRepo) UpdatePlannedDataItemAsFailed(ctx context.Context, dataItemID string, reason pipeerr.DataItemFailedReason) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM planned_data_item
			WHERE data_item_id = $1
			RETURNING *
		)
		INSERT INTO failed_data_item (`+newDataItemColumns+`, failed_date, failed_reason)
		SELECT `+newDataItemColumns+`, NOW(), $2 FROM moved`,
		dataItemID, string(reason))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: planned data item %s", pipeerr.ErrNotFound, dataItemID)
	}
	return mapError(tx.Commit(ctx))
}

// GetDataItemInfo probes all four lifecycle tables for an id.
func (r *DataItemRepo) GetDataItemInfo(ctx context.Context, dataItemID string) (*models.DataItemInfo, error) {
	info := &models.DataItemInfo{}

	err := r.pool.QueryRow(ctx, `
		SELECT assessed_winston_price, uploaded_date, deadline_height
		FROM new_data_item WHERE data_item_id = $1`, dataItemID).
		Scan(&info.AssessedWinstonPrice, &info.UploadedDate, &info.DeadlineHeight)
	if err == nil {
		info.Status = models.DataItemStatusNew
		return info, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT assessed_winston_price, uploaded_date, deadline_height
		FROM planned_data_item WHERE data_item_id = $1`, dataItemID).
		Scan(&info.AssessedWinstonPrice, &info.UploadedDate, &info.DeadlineHeight)
	if err == nil {
		info.Status = models.DataItemStatusPending
		return info, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT assessed_winston_price, uploaded_date, deadline_height, bundle_id
		FROM permanent_data_item WHERE data_item_id = $1`, dataItemID).
		Scan(&info.AssessedWinstonPrice, &info.UploadedDate, &info.DeadlineHeight, &info.BundleID)
	if err == nil {
		info.Status = models.DataItemStatusPermanent
		return info, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT assessed_winston_price, uploaded_date, deadline_height, failed_reason
		FROM failed_data_item WHERE data_item_id = $1`, dataItemID).
		Scan(&info.AssessedWinstonPrice, &info.UploadedDate, &info.DeadlineHeight, &info.FailedReason)
	if err == nil {
		info.Status = models.DataItemStatusFailed
		return info, nil
	}
	return nil, mapError(err)
}

func (r *DataItemRepo) statesContaining(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, dataItemID string) (string, error) {
	for _, table := range []string{"new_data_item", "planned_data_item", "permanent_data_item", "failed_data_item"} {
		var one int
		err := q.QueryRow(ctx,
			`SELECT 1 FROM `+table+` WHERE data_item_id = $1`, dataItemID).Scan(&one)
		if err == nil {
			return table, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}
	}
	return "", nil
}

func scanNewDataItems(rows pgx.Rows) ([]models.NewDataItem, error) {
	defer rows.Close()
	var items []models.NewDataItem
	for rows.Next() {
		var item models.NewDataItem
		if err := rows.Scan(
			&item.DataItemID, &item.OwnerAddress, &item.ByteCount,
			&item.PayloadDataStart, &item.SignatureType, &item.Signature,
			&item.AssessedWinstonPrice, &item.UploadedDate, &item.FailedBundles,
			&item.DeadlineHeight, &item.PremiumFeatureType, &item.PayloadContentType,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

var _ DataItemStore = (*DataItemRepo)(nil)
