package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/permanode/fulfillment/internal/ans104"
	"github.com/permanode/fulfillment/internal/arweave"
	"github.com/permanode/fulfillment/internal/gateway"
	"github.com/permanode/fulfillment/internal/metrics"
	"github.com/permanode/fulfillment/internal/models"
	"github.com/permanode/fulfillment/internal/objectstore"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
	"github.com/permanode/fulfillment/internal/repository"
)

const (
	// verifyBundleLimit is how many seeded bundles one tick examines.
	verifyBundleLimit = 50
	// verifyBatchSize bounds each data-item transition batch.
	verifyBatchSize = 500
	// verifyBatchConcurrency bounds parallel batch processing per bundle.
	verifyBatchConcurrency = 10

	// Repack threshold bounds: between 5 and 50 confirmations, scaled by
	// payload size so larger bundles wait longer before repacking
	// header-missing items.
	repackThresholdMin        = 5
	repackThresholdMax        = 50
	repackThresholdBytesPer10 = 100 << 20
)

// VerifyOptions carries the verify thresholds.
type VerifyOptions struct {
	// TxPermanentThreshold is the confirmation count at which a bundle
	// becomes permanent.
	TxPermanentThreshold int
	// DropBundleTxBlocks is how many blocks past its anchor a missing
	// transaction survives before the bundle is dropped.
	DropBundleTxBlocks int64
}

// VerifyJob checks seeded bundles for permanence: confirmed bundles promote
// their data items, vanished bundles are dropped and their items repacked.
type VerifyJob struct {
	bundles   repository.BundleStore
	dataItems repository.DataItemStore
	store     objectstore.Store
	gateway   gateway.Gateway
	opts      VerifyOptions
	log       *slog.Logger
}

// NewVerifyJob creates the verify job.
func NewVerifyJob(
	bundles repository.BundleStore,
	dataItems repository.DataItemStore,
	store objectstore.Store,
	gw gateway.Gateway,
	opts VerifyOptions,
	log *slog.Logger,
) *VerifyJob {
	return &VerifyJob{
		bundles:   bundles,
		dataItems: dataItems,
		store:     store,
		gateway:   gw,
		opts:      opts,
		log:       log.With(slog.String("job", "verify")),
	}
}

// Run examines one batch of seeded bundles. Per-bundle errors are logged
// and do not stop the remaining bundles.
func (j *VerifyJob) Run(ctx context.Context) error {
	bundles, err := j.bundles.GetSeededBundles(ctx, verifyBundleLimit)
	if err != nil {
		return fmt.Errorf("get seeded bundles: %w", err)
	}

	for _, bundle := range bundles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := j.verifyBundle(ctx, bundle); err != nil {
			j.log.Error("verify bundle failed",
				slog.String("planId", bundle.PlanID),
				slog.String("bundleId", bundle.BundleID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (j *VerifyJob) verifyBundle(ctx context.Context, bundle models.SeededBundle) error {
	status, err := j.gateway.GetTxStatus(ctx, bundle.BundleID)
	if err != nil {
		if errors.Is(err, pipeerr.ErrNotFound) {
			return j.handleMissingTx(ctx, bundle)
		}
		return fmt.Errorf("get tx status: %w", err)
	}

	if status.NumberOfConfirmations < j.opts.TxPermanentThreshold {
		return nil
	}
	return j.promoteBundle(ctx, bundle, status)
}

// handleMissingTx drops the bundle once the chain has moved far enough past
// its anchor; before that the transaction may still be mined.
func (j *VerifyJob) handleMissingTx(ctx context.Context, bundle models.SeededBundle) error {
	anchor, err := j.loadAnchor(ctx, bundle.BundleID)
	if err != nil {
		return err
	}
	anchorHeight, err := j.gateway.GetBlockHeightForTxAnchor(ctx, anchor)
	if err != nil {
		return fmt.Errorf("resolve anchor height: %w", err)
	}
	tip, err := j.gateway.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("get block height: %w", err)
	}

	if tip-anchorHeight <= j.opts.DropBundleTxBlocks {
		j.log.Debug("bundle tx not yet visible, within drop threshold",
			slog.String("bundleId", bundle.BundleID),
			slog.Int64("blocksSinceAnchor", tip-anchorHeight),
		)
		return nil
	}

	j.log.Warn("bundle tx dropped by the network, repacking",
		slog.String("planId", bundle.PlanID),
		slog.String("bundleId", bundle.BundleID),
	)
	if err := j.bundles.UpdateSeededBundleToDropped(ctx, bundle.PlanID, bundle.BundleID); err != nil {
		return fmt.Errorf("drop seeded bundle: %w", err)
	}
	metrics.BundlesDroppedTotal.WithLabelValues(string(pipeerr.ReasonNotFound)).Inc()
	metrics.DataItemsRepackedTotal.Inc()
	return nil
}

// promoteBundle promotes a confirmed bundle's header items to permanent and
// repacks (or waits on) the items that never made it into the header.
func (j *VerifyJob) promoteBundle(ctx context.Context, bundle models.SeededBundle, status *gateway.TxStatus) error {
	headerIDs, err := j.loadHeaderIDs(ctx, bundle)
	if err != nil {
		return err
	}

	planned, err := j.dataItems.GetPlannedDataItems(ctx, bundle.PlanID)
	if err != nil {
		return fmt.Errorf("get planned data items: %w", err)
	}

	var inHeader, notInHeader []string
	for _, item := range planned {
		if headerIDs[item.DataItemID] {
			inHeader = append(inHeader, item.DataItemID)
		} else {
			notInHeader = append(notInHeader, item.DataItemID)
		}
	}

	stillPending := false
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyBatchConcurrency)

	for _, batch := range chunkStrings(inHeader, verifyBatchSize) {
		batch := batch
		g.Go(func() error {
			if err := j.dataItems.UpdateDataItemsAsPermanent(gctx, batch, status.BlockHeight, bundle.BundleID); err != nil {
				return fmt.Errorf("promote data items: %w", err)
			}
			metrics.DataItemsPermanentTotal.Add(float64(len(batch)))
			return nil
		})
	}

	if len(notInHeader) > 0 {
		threshold := repackThreshold(bundle.PayloadByteCount)
		if status.NumberOfConfirmations < threshold {
			stillPending = true
		} else {
			for _, batch := range chunkStrings(notInHeader, verifyBatchSize) {
				batch := batch
				g.Go(func() error {
					if err := j.dataItems.UpdateDataItemsToBeRePacked(gctx, batch, bundle.BundleID); err != nil {
						return fmt.Errorf("repack data items: %w", err)
					}
					metrics.DataItemsRepackedTotal.Add(float64(len(batch)))
					return nil
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		// Leave the bundle seeded so the next tick retries.
		return err
	}
	if stillPending {
		return fmt.Errorf("%w: bundle %s has %d items outside the header below %d confirmations",
			pipeerr.ErrDataItemsStillPending, bundle.BundleID, len(notInHeader),
			repackThreshold(bundle.PayloadByteCount))
	}

	if err := j.bundles.UpdateBundleAsPermanent(ctx, bundle.PlanID, status.BlockHeight, false); err != nil {
		return fmt.Errorf("promote bundle: %w", err)
	}
	metrics.BundlesPermanentTotal.Inc()

	j.log.Info("bundle permanent",
		slog.String("planId", bundle.PlanID),
		slog.String("bundleId", bundle.BundleID),
		slog.Int64("blockHeight", status.BlockHeight),
	)
	return nil
}

// loadHeaderIDs parses the cached bundle header into its set of data item
// ids.
func (j *VerifyJob) loadHeaderIDs(ctx context.Context, bundle models.SeededBundle) (map[string]bool, error) {
	body, _, err := j.store.GetRange(ctx, objectstore.BundlePayloadKey(bundle.PlanID),
		0, bundle.HeaderByteCount-1)
	if err != nil {
		return nil, fmt.Errorf("read bundle header: %w", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read bundle header: %w", err)
	}
	entries, err := ans104.ParseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("parse bundle header: %w", err)
	}

	ids := make(map[string]bool, len(entries))
	for _, entry := range entries {
		ids[entry.ID] = true
	}
	return ids, nil
}

// loadAnchor reads the last_tx anchor from the stored envelope.
func (j *VerifyJob) loadAnchor(ctx context.Context, bundleID string) (string, error) {
	body, _, err := j.store.Get(ctx, objectstore.BundleKey(bundleID))
	if err != nil {
		return "", fmt.Errorf("load bundle envelope: %w", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read bundle envelope: %w", err)
	}
	var tx arweave.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return "", fmt.Errorf("decode bundle envelope: %w", err)
	}
	return tx.LastTx, nil
}

// repackThreshold scales the confirmation bar for repacking with payload
// size: 10 confirmations per 100 MiB, clamped to [5, 50].
func repackThreshold(payloadByteCount int64) int {
	t := int(payloadByteCount / repackThresholdBytesPer10 * 10)
	if t < repackThresholdMin {
		return repackThresholdMin
	}
	if t > repackThresholdMax {
		return repackThresholdMax
	}
	return t
}

func chunkStrings(ids []string, size int) [][]string {
	var batches [][]string
	for len(ids) > 0 {
		n := len(ids)
		if n > size {
			n = size
		}
		batches = append(batches, ids[:n])
		ids = ids[n:]
	}
	return batches
}
