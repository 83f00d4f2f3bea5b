package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/permanode/fulfillment/internal/arweave"
	"github.com/permanode/fulfillment/internal/gateway"
	"github.com/permanode/fulfillment/internal/metrics"
	"github.com/permanode/fulfillment/internal/objectstore"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
	"github.com/permanode/fulfillment/internal/queue"
	"github.com/permanode/fulfillment/internal/repository"
)

// seedUploadConcurrency bounds parallel chunk uploads per bundle.
const seedUploadConcurrency = 10

// SeedJob uploads a posted bundle's payload chunks to the gateway and
// advances the bundle to seeded.
type SeedJob struct {
	bundles repository.BundleStore
	store   objectstore.Store
	gateway gateway.Gateway
	log     *slog.Logger
}

// NewSeedJob creates the seed job.
func NewSeedJob(
	bundles repository.BundleStore,
	store objectstore.Store,
	gw gateway.Gateway,
	log *slog.Logger,
) *SeedJob {
	return &SeedJob{
		bundles: bundles,
		store:   store,
		gateway: gw,
		log:     log.With(slog.String("job", "seed")),
	}
}

// Handle processes one seed-bundle message.
func (j *SeedJob) Handle(ctx context.Context, msg queue.Message) error {
	var pm queue.PlanMessage
	if err := json.Unmarshal(msg.Body, &pm); err != nil {
		return fmt.Errorf("decode seed message: %w", err)
	}

	bundle, err := j.bundles.GetPostedBundle(ctx, pm.PlanID)
	if err != nil {
		if errors.Is(err, pipeerr.ErrNotFound) {
			seeded, probeErr := j.bundles.IsBundleSeeded(ctx, pm.PlanID)
			if probeErr != nil {
				return probeErr
			}
			if seeded {
				j.log.Warn("bundle already seeded, treating as duplicate delivery",
					slog.String("planId", pm.PlanID))
				return nil
			}
		}
		return fmt.Errorf("get posted bundle: %w", err)
	}

	tx, err := j.loadEnvelope(ctx, bundle.BundleID)
	if err != nil {
		return err
	}

	if err := j.uploadChunks(ctx, pm.PlanID, tx); err != nil {
		return err
	}

	if err := j.bundles.InsertSeededBundle(ctx, bundle.BundleID); err != nil {
		return fmt.Errorf("insert seeded bundle: %w", err)
	}
	metrics.BundlesSeededTotal.Inc()

	j.log.Info("bundle seeded",
		slog.String("planId", pm.PlanID),
		slog.String("bundleId", bundle.BundleID),
	)
	return nil
}

// uploadChunks walks the payload twice: one pass to rebuild the merkle
// proofs, one range read per chunk to upload its bytes. Any chunk error
// fails the message.
func (j *SeedJob) uploadChunks(ctx context.Context, planID string, tx *arweave.Transaction) error {
	payloadKey := objectstore.BundlePayloadKey(planID)

	body, _, err := j.store.Get(ctx, payloadKey)
	if err != nil {
		return fmt.Errorf("load bundle payload: %w", err)
	}
	chunks, err := arweave.ChunkReader(body)
	body.Close()
	if err != nil {
		return fmt.Errorf("chunk bundle payload: %w", err)
	}
	proofs := arweave.BuildTree(chunks).Proofs()
	if len(proofs) != len(chunks) {
		return fmt.Errorf("proof count %d does not match chunk count %d", len(proofs), len(chunks))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(seedUploadConcurrency)
	for i := range chunks {
		chunk, proof := chunks[i], proofs[i]
		g.Go(func() error {
			data, err := j.readChunk(ctx, payloadKey, chunk)
			if err != nil {
				return err
			}
			upload := arweave.NewChunkUpload(tx, proof, data)
			if err := j.gateway.UploadChunk(ctx, &upload); err != nil {
				return fmt.Errorf("upload chunk at %d: %w", chunk.MinByteRange, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (j *SeedJob) readChunk(ctx context.Context, payloadKey string, chunk arweave.Chunk) ([]byte, error) {
	body, _, err := j.store.GetRange(ctx, payloadKey, chunk.MinByteRange, chunk.MaxByteRange-1)
	if err != nil {
		return nil, fmt.Errorf("read chunk at %d: %w", chunk.MinByteRange, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read chunk at %d: %w", chunk.MinByteRange, err)
	}
	return data, nil
}

func (j *SeedJob) loadEnvelope(ctx context.Context, bundleID string) (*arweave.Transaction, error) {
	body, _, err := j.store.Get(ctx, objectstore.BundleKey(bundleID))
	if err != nil {
		return nil, fmt.Errorf("load bundle envelope: %w", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read bundle envelope: %w", err)
	}
	var tx arweave.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode bundle envelope: %w", err)
	}
	return &tx, nil
}
