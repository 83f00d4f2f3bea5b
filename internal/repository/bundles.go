package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/permanode/fulfillment/internal/models"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
)

const newBundleColumns = `bundle_id, plan_id, reward, header_byte_count,
payload_byte_count, transaction_byte_count, planned_date, signed_date`

// BundleRepo is the pgx implementation of BundleStore.
type BundleRepo struct {
	pool      *pgxpool.Pool
	dataItems *DataItemRepo
	log       *slog.Logger
}

// NewBundleRepo creates a bundle repository. The data-item repository is
// needed for the repack half of the dropped/failed-to-post transitions.
func NewBundleRepo(pool *pgxpool.Pool, dataItems *DataItemRepo, log *slog.Logger) *BundleRepo {
	return &BundleRepo{
		pool:      pool,
		dataItems: dataItems,
		log:       log.With(slog.String("component", "bundle_repo")),
	}
}

// InsertNewBundle consumes the bundle plan and records the signed bundle.
// If the plan row is gone, the error distinguishes a plan that advanced
// (duplicate delivery) from one that never existed.
func (r *BundleRepo) InsertNewBundle(ctx context.Context, bundle models.NewBundle) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		SELECT plan_id FROM bundle_plan WHERE plan_id = $1 FOR UPDATE NOWAIT`,
		bundle.PlanID); err != nil {
		return mapError(err)
	}

	var plannedDate time.Time
	err = tx.QueryRow(ctx, `
		DELETE FROM bundle_plan WHERE plan_id = $1 RETURNING planned_date`,
		bundle.PlanID).Scan(&plannedDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.classifyMissingPlan(ctx, bundle.PlanID)
		}
		return mapError(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO new_bundle (`+newBundleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		bundle.BundleID, bundle.PlanID, bundle.Reward, bundle.HeaderByteCount,
		bundle.PayloadByteCount, bundle.TransactionByteCount, plannedDate)
	if err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

// classifyMissingPlan probes the downstream bundle tables so a duplicate
// delivery is distinguishable from a plan that never existed.
func (r *BundleRepo) classifyMissingPlan(ctx context.Context, planID string) error {
	for _, table := range []string{"new_bundle", "posted_bundle", "seeded_bundle", "permanent_bundle"} {
		var one int
		err := r.pool.QueryRow(ctx,
			`SELECT 1 FROM `+table+` WHERE plan_id = $1`, planID).Scan(&one)
		if err == nil {
			return fmt.Errorf("%w: plan %s is in %s",
				pipeerr.ErrBundlePlanExistsInAnotherState, planID, table)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return mapError(err)
		}
	}
	return fmt.Errorf("%w: bundle plan %s", pipeerr.ErrNotFound, planID)
}

// GetNewBundle loads the new-bundle row for a plan.
func (r *BundleRepo) GetNewBundle(ctx context.Context, planID string) (*models.NewBundle, error) {
	var b models.NewBundle
	err := r.pool.QueryRow(ctx, `
		SELECT `+newBundleColumns+`
		FROM new_bundle WHERE plan_id = $1`, planID).Scan(
		&b.BundleID, &b.PlanID, &b.Reward, &b.HeaderByteCount,
		&b.PayloadByteCount, &b.TransactionByteCount, &b.PlannedDate, &b.SignedDate)
	if err != nil {
		return nil, mapError(err)
	}
	return &b, nil
}

// InsertPostedBundle moves a bundle from new to posted, recording the
// optional USD/AR rate.
func (r *BundleRepo) InsertPostedBundle(ctx context.Context, bundleID string, usdToARRate *float64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		SELECT bundle_id FROM new_bundle WHERE bundle_id = $1 FOR UPDATE NOWAIT`,
		bundleID); err != nil {
		return mapError(err)
	}

	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM new_bundle WHERE bundle_id = $1 RETURNING *
		)
		INSERT INTO posted_bundle (`+newBundleColumns+`, posted_date, usd_to_ar_rate)
		SELECT `+newBundleColumns+`, NOW(), $2 FROM moved`,
		bundleID, usdToARRate)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: new bundle %s", pipeerr.ErrNotFound, bundleID)
	}
	return mapError(tx.Commit(ctx))
}

// GetPostedBundle loads the posted-bundle row for a plan.
func (r *BundleRepo) GetPostedBundle(ctx context.Context, planID string) (*models.PostedBundle, error) {
	var b models.PostedBundle
	err := r.pool.QueryRow(ctx, `
		SELECT `+newBundleColumns+`, posted_date, usd_to_ar_rate
		FROM posted_bundle WHERE plan_id = $1`, planID).Scan(
		&b.BundleID, &b.PlanID, &b.Reward, &b.HeaderByteCount,
		&b.PayloadByteCount, &b.TransactionByteCount, &b.PlannedDate,
		&b.SignedDate, &b.PostedDate, &b.USDToARRate)
	if err != nil {
		return nil, mapError(err)
	}
	return &b, nil
}

// IsBundleSeeded reports whether a plan's bundle already reached the seeded
// or permanent state, for duplicate-delivery detection.
func (r *BundleRepo) IsBundleSeeded(ctx context.Context, planID string) (bool, error) {
	for _, table := range []string{"seeded_bundle", "permanent_bundle"} {
		var one int
		err := r.pool.QueryRow(ctx,
			`SELECT 1 FROM `+table+` WHERE plan_id = $1`, planID).Scan(&one)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, mapError(err)
		}
	}
	return false, nil
}

// InsertSeededBundle moves a bundle from posted to seeded.
func (r *BundleRepo) InsertSeededBundle(ctx context.Context, bundleID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		SELECT bundle_id FROM posted_bundle WHERE bundle_id = $1 FOR UPDATE NOWAIT`,
		bundleID); err != nil {
		return mapError(err)
	}

	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM posted_bundle WHERE bundle_id = $1 RETURNING *
		)
		INSERT INTO seeded_bundle (`+newBundleColumns+`, posted_date, usd_to_ar_rate, seeded_date)
		SELECT `+newBundleColumns+`, posted_date, usd_to_ar_rate, NOW() FROM moved`,
		bundleID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: posted bundle %s", pipeerr.ErrNotFound, bundleID)
	}
	return mapError(tx.Commit(ctx))
}

// GetSeededBundles selects up to limit seeded bundles ordered by post time.
// A lock conflict returns an empty slice: another verifier has them.
func (r *BundleRepo) GetSeededBundles(ctx context.Context, limit int) ([]models.SeededBundle, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+newBundleColumns+`, posted_date, usd_to_ar_rate, seeded_date
		FROM seeded_bundle
		ORDER BY posted_date
		LIMIT $1
		FOR UPDATE NOWAIT`, limit)
	if err != nil {
		if errors.Is(mapError(err), pipeerr.ErrLockConflict) {
			return nil, nil
		}
		return nil, mapError(err)
	}

	var bundles []models.SeededBundle
	for rows.Next() {
		var b models.SeededBundle
		if err := rows.Scan(
			&b.BundleID, &b.PlanID, &b.Reward, &b.HeaderByteCount,
			&b.PayloadByteCount, &b.TransactionByteCount, &b.PlannedDate,
			&b.SignedDate, &b.PostedDate, &b.USDToARRate, &b.SeededDate,
		); err != nil {
			rows.Close()
			if errors.Is(mapError(err), pipeerr.ErrLockConflict) {
				return nil, nil
			}
			return nil, mapError(err)
		}
		bundles = append(bundles, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		if errors.Is(mapError(err), pipeerr.ErrLockConflict) {
			return nil, nil
		}
		return nil, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err)
	}
	return bundles, nil
}

// UpdateBundleAsPermanent moves a bundle from seeded to permanent.
func (r *BundleRepo) UpdateBundleAsPermanent(ctx context.Context, planID string, blockHeight int64, indexedOnGQL bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		SELECT plan_id FROM seeded_bundle WHERE plan_id = $1 FOR UPDATE NOWAIT`,
		planID); err != nil {
		return mapError(err)
	}

	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM seeded_bundle WHERE plan_id = $1 RETURNING *
		)
		INSERT INTO permanent_bundle (`+newBundleColumns+`, posted_date, usd_to_ar_rate, seeded_date, block_height, indexed_on_gql)
		SELECT `+newBundleColumns+`, posted_date, usd_to_ar_rate, seeded_date, $2, $3 FROM moved`,
		planID, blockHeight, indexedOnGQL)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: seeded bundle for plan %s", pipeerr.ErrNotFound, planID)
	}
	return mapError(tx.Commit(ctx))
}

// UpdateSeededBundleToDropped repacks the plan's data items, then moves the
// seeded bundle to failed with reason not_found.
func (r *BundleRepo) UpdateSeededBundleToDropped(ctx context.Context, planID, bundleID string) error {
	if err := r.repackPlan(ctx, planID, bundleID); err != nil {
		return err
	}
	return r.failBundle(ctx, "seeded_bundle", planID, bundleID, pipeerr.ReasonNotFound)
}

// UpdateNewBundleToFailedToPost repacks the plan's data items, then moves
// the new bundle to failed with reason failed_to_post.
func (r *BundleRepo) UpdateNewBundleToFailedToPost(ctx context.Context, planID, bundleID string) error {
	if err := r.repackPlan(ctx, planID, bundleID); err != nil {
		return err
	}
	return r.failBundle(ctx, "new_bundle", planID, bundleID, pipeerr.ReasonFailedToPost)
}

// repackPlan pushes every planned item of a plan through the repack
// transition.
func (r *BundleRepo) repackPlan(ctx context.Context, planID, bundleID string) error {
	rows, err := r.pool.Query(ctx,
		`SELECT data_item_id FROM planned_data_item WHERE plan_id = $1`, planID)
	if err != nil {
		return mapError(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return mapError(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return mapError(err)
	}
	if len(ids) == 0 {
		return nil
	}
	return r.dataItems.UpdateDataItemsToBeRePacked(ctx, ids, bundleID)
}

// failBundle deletes the bundle row from its source table and records the
// failure.
func (r *BundleRepo) failBundle(ctx context.Context, sourceTable, planID, bundleID string, reason pipeerr.BundleFailedReason) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		SELECT plan_id FROM `+sourceTable+` WHERE plan_id = $1 FOR UPDATE NOWAIT`,
		planID); err != nil {
		return mapError(err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+sourceTable+` WHERE plan_id = $1`, planID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s for plan %s", pipeerr.ErrNotFound, sourceTable, planID)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO failed_bundle (bundle_id, plan_id, failed_date, failed_reason)
		VALUES ($1, $2, NOW(), $3)`,
		bundleID, planID, string(reason))
	if err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

var _ BundleStore = (*BundleRepo)(nil)
