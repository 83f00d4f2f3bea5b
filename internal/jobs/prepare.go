package jobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/permanode/fulfillment/internal/ans104"
	"github.com/permanode/fulfillment/internal/arweave"
	"github.com/permanode/fulfillment/internal/gateway"
	"github.com/permanode/fulfillment/internal/metrics"
	"github.com/permanode/fulfillment/internal/models"
	"github.com/permanode/fulfillment/internal/objectstore"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
	"github.com/permanode/fulfillment/internal/pricing"
	"github.com/permanode/fulfillment/internal/queue"
	"github.com/permanode/fulfillment/internal/repository"
)

const (
	// prepareAttempts bounds the restart loop after a missing blob.
	prepareAttempts = 3
	// prepareRetryDelay is the base delay before a restart, doubling per
	// attempt. It papers over read-after-write replication lag in the
	// object store.
	prepareRetryDelay = 100 * time.Millisecond
	// rawIDConcurrency bounds parallel raw-id hashing.
	rawIDConcurrency = 100

	// signatureOffset is where the signature starts inside an ANS-104
	// data item: after the 2-byte signature type.
	signatureOffset = 2
)

// PrepareJob assembles a plan's bundle header and payload, signs the
// transaction envelope, and advances the plan to a new bundle.
type PrepareJob struct {
	dataItems repository.DataItemStore
	bundles   repository.BundleStore
	store     objectstore.Store
	pricing   pricing.Pricing
	gateway   gateway.Gateway
	wallet    Signer
	postQueue queue.Publisher
	log       *slog.Logger

	sleep func(time.Duration)
}

// NewPrepareJob creates the prepare job.
func NewPrepareJob(
	dataItems repository.DataItemStore,
	bundles repository.BundleStore,
	store objectstore.Store,
	price pricing.Pricing,
	gw gateway.Gateway,
	wallet Signer,
	postQueue queue.Publisher,
	log *slog.Logger,
) *PrepareJob {
	return &PrepareJob{
		dataItems: dataItems,
		bundles:   bundles,
		store:     store,
		pricing:   price,
		gateway:   gw,
		wallet:    wallet,
		postQueue: postQueue,
		log:       log.With(slog.String("job", "prepare")),
		sleep:     time.Sleep,
	}
}

// Handle processes one prepare-bundle message.
func (j *PrepareJob) Handle(ctx context.Context, msg queue.Message) error {
	var pm queue.PlanMessage
	if err := json.Unmarshal(msg.Body, &pm); err != nil {
		return fmt.Errorf("decode prepare message: %w", err)
	}

	delay := prepareRetryDelay
	var err error
	for attempt := 1; attempt <= prepareAttempts; attempt++ {
		err = j.prepare(ctx, pm.PlanID)
		if !errors.Is(err, pipeerr.ErrMissingBlob) {
			return err
		}
		j.log.Warn("restarting prepare after missing blob",
			slog.String("planId", pm.PlanID),
			slog.Int("attempt", attempt),
		)
		j.sleep(delay)
		delay *= 2
	}
	return err
}

func (j *PrepareJob) prepare(ctx context.Context, planID string) error {
	items, err := j.dataItems.GetPlannedDataItems(ctx, planID)
	if err != nil {
		return fmt.Errorf("get planned data items: %w", err)
	}
	if len(items) == 0 {
		advanced, err := j.planAdvanced(ctx, planID)
		if err != nil {
			return err
		}
		if advanced {
			j.log.Warn("plan already advanced, treating as duplicate delivery",
				slog.String("planId", planID))
			return nil
		}
		return fmt.Errorf("%w: plan %s has no planned data items", pipeerr.ErrNotFound, planID)
	}

	headerItems, err := j.computeRawIDs(ctx, items)
	if err != nil {
		return err
	}
	header := ans104.AssembleHeader(headerItems)
	totalSize := ans104.TotalBundleSize(headerItems)

	reward, err := j.pricing.GetWinstonPriceForBytes(ctx, totalSize)
	if err != nil {
		return fmt.Errorf("get reward: %w", err)
	}

	payloadKey := objectstore.BundlePayloadKey(planID)
	if err := j.streamPayload(ctx, payloadKey, header, items); err != nil {
		return err
	}

	dataRoot, err := j.computeDataRoot(ctx, payloadKey)
	if err != nil {
		return err
	}

	anchor, err := j.gateway.GetTxAnchor(ctx)
	if err != nil {
		return fmt.Errorf("get tx anchor: %w", err)
	}

	tx := arweave.NewDataTransaction(j.wallet.Owner(), anchor, totalSize, dataRoot, reward, bundleTags())
	if err := j.wallet.Sign(tx); err != nil {
		return fmt.Errorf("sign bundle transaction: %w", err)
	}

	envelope, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode bundle envelope: %w", err)
	}
	if err := j.store.Put(ctx, objectstore.BundleKey(tx.ID), bytes.NewReader(envelope), objectstore.PutOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("store bundle envelope: %w", err)
	}

	err = j.bundles.InsertNewBundle(ctx, models.NewBundle{
		BundleID:             tx.ID,
		PlanID:               planID,
		Reward:               reward,
		HeaderByteCount:      int64(len(header)),
		PayloadByteCount:     totalSize,
		TransactionByteCount: int64(len(envelope)),
	})
	if err != nil {
		if errors.Is(err, pipeerr.ErrBundlePlanExistsInAnotherState) {
			j.log.Warn("plan advanced under a concurrent prepare, treating as duplicate",
				slog.String("planId", planID))
			return nil
		}
		return fmt.Errorf("insert new bundle: %w", err)
	}

	if err := j.postQueue.Send(ctx, queue.PlanMessage{PlanID: planID}); err != nil {
		return fmt.Errorf("enqueue post: %w", err)
	}

	j.log.Info("bundle prepared",
		slog.String("planId", planID),
		slog.String("bundleId", tx.ID),
		slog.Int("dataItems", len(items)),
		slog.Int64("payloadByteCount", totalSize),
	)
	return nil
}

// planAdvanced reports whether the plan already reached a later bundle
// state.
func (j *PrepareJob) planAdvanced(ctx context.Context, planID string) (bool, error) {
	if _, err := j.bundles.GetNewBundle(ctx, planID); err == nil {
		return true, nil
	} else if !errors.Is(err, pipeerr.ErrNotFound) {
		return false, err
	}
	if _, err := j.bundles.GetPostedBundle(ctx, planID); err == nil {
		return true, nil
	} else if !errors.Is(err, pipeerr.ErrNotFound) {
		return false, err
	}
	return j.bundles.IsBundleSeeded(ctx, planID)
}

// computeRawIDs hashes each item's signature into its 32-byte raw id,
// range-reading the signature from the raw blob when the row has none.
func (j *PrepareJob) computeRawIDs(ctx context.Context, items []models.PlannedDataItem) ([]ans104.HeaderItem, error) {
	headerItems := make([]ans104.HeaderItem, len(items))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(rawIDConcurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			sig := item.Signature
			if len(sig) == 0 {
				sigLen := item.SignatureType.SignatureLength()
				if sigLen == 0 {
					return fmt.Errorf("data item %s: unknown signature type %d",
						item.DataItemID, item.SignatureType)
				}
				body, _, err := j.store.GetRange(ctx, objectstore.RawDataItemKey(item.DataItemID),
					signatureOffset, signatureOffset+int64(sigLen)-1)
				if err != nil {
					return err
				}
				defer body.Close()
				sig, err = io.ReadAll(body)
				if err != nil {
					return &pipeerr.BlobError{Key: objectstore.RawDataItemKey(item.DataItemID), Err: err}
				}
			}
			headerItems[i] = ans104.HeaderItem{
				RawID: sha256.Sum256(sig),
				Size:  item.ByteCount,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, j.classifyBlobError(ctx, err)
	}
	return headerItems, nil
}

// streamPayload writes the header and the concatenated item blobs to the
// bundle payload key without buffering the whole bundle.
func (j *PrepareJob) streamPayload(ctx context.Context, payloadKey string, header []byte, items []models.PlannedDataItem) error {
	pr, pw := io.Pipe()
	writeErr := make(chan error, 1)

	go func() {
		err := j.writePayload(ctx, pw, header, items)
		pw.CloseWithError(err)
		writeErr <- err
	}()

	putErr := j.store.Put(ctx, payloadKey, pr, objectstore.PutOptions{
		ContentType: "application/octet-stream",
	})
	// An upload that fails mid-stream stops reading the pipe. Close the
	// read side so a blocked writer unblocks before the wait below.
	pr.CloseWithError(putErr)

	if err := <-writeErr; err != nil {
		return j.classifyBlobError(ctx, err)
	}
	if putErr != nil {
		return fmt.Errorf("store bundle payload: %w", putErr)
	}
	return nil
}

func (j *PrepareJob) writePayload(ctx context.Context, w io.Writer, header []byte, items []models.PlannedDataItem) error {
	if _, err := w.Write(header); err != nil {
		return err
	}
	for _, item := range items {
		body, _, err := j.store.Get(ctx, objectstore.RawDataItemKey(item.DataItemID))
		if err != nil {
			return err
		}
		_, err = io.Copy(w, body)
		body.Close()
		if err != nil {
			return fmt.Errorf("copy data item %s: %w", item.DataItemID, err)
		}
	}
	return nil
}

// classifyBlobError converts a missing raw blob into the restartable
// ErrMissingBlob after marking the affected item failed. Anything else
// passes through.
func (j *PrepareJob) classifyBlobError(ctx context.Context, err error) error {
	var blobErr *pipeerr.BlobError
	if !errors.As(err, &blobErr) || !errors.Is(err, pipeerr.ErrNotFound) {
		return err
	}
	if !strings.HasPrefix(blobErr.Key, objectstore.RawDataItemPrefix) {
		return err
	}
	dataItemID := strings.TrimPrefix(blobErr.Key, objectstore.RawDataItemPrefix)

	j.log.Warn("data item blob missing, marking failed",
		slog.String("dataItemId", dataItemID))
	metrics.DataItemsFailedTotal.WithLabelValues(string(pipeerr.ReasonMissingFromObjectStore)).Inc()

	if markErr := j.dataItems.UpdatePlannedDataItemAsFailed(ctx, dataItemID,
		pipeerr.ReasonMissingFromObjectStore); markErr != nil && !errors.Is(markErr, pipeerr.ErrNotFound) {
		return fmt.Errorf("mark data item failed: %w", markErr)
	}
	return fmt.Errorf("%w: %s", pipeerr.ErrMissingBlob, dataItemID)
}

// computeDataRoot re-reads the stored payload and builds its merkle root.
func (j *PrepareJob) computeDataRoot(ctx context.Context, payloadKey string) ([32]byte, error) {
	var zero [32]byte
	body, _, err := j.store.Get(ctx, payloadKey)
	if err != nil {
		return zero, fmt.Errorf("read bundle payload: %w", err)
	}
	defer body.Close()

	chunks, err := arweave.ChunkReader(body)
	if err != nil {
		return zero, fmt.Errorf("chunk bundle payload: %w", err)
	}
	return arweave.BuildTree(chunks).RootID(), nil
}
