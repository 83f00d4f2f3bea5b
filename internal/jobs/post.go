package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/permanode/fulfillment/internal/arweave"
	"github.com/permanode/fulfillment/internal/gateway"
	"github.com/permanode/fulfillment/internal/metrics"
	"github.com/permanode/fulfillment/internal/objectstore"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
	"github.com/permanode/fulfillment/internal/pricing"
	"github.com/permanode/fulfillment/internal/queue"
	"github.com/permanode/fulfillment/internal/repository"
)

// PostJob submits a prepared bundle transaction to the gateway and advances
// the bundle to posted.
type PostJob struct {
	bundles   repository.BundleStore
	store     objectstore.Store
	gateway   gateway.Gateway
	pricing   pricing.Pricing
	wallet    Signer
	seedQueue queue.Publisher
	log       *slog.Logger
}

// NewPostJob creates the post job.
func NewPostJob(
	bundles repository.BundleStore,
	store objectstore.Store,
	gw gateway.Gateway,
	price pricing.Pricing,
	wallet Signer,
	seedQueue queue.Publisher,
	log *slog.Logger,
) *PostJob {
	return &PostJob{
		bundles:   bundles,
		store:     store,
		gateway:   gw,
		pricing:   price,
		wallet:    wallet,
		seedQueue: seedQueue,
		log:       log.With(slog.String("job", "post")),
	}
}

// Handle processes one post-bundle message.
func (j *PostJob) Handle(ctx context.Context, msg queue.Message) error {
	var pm queue.PlanMessage
	if err := json.Unmarshal(msg.Body, &pm); err != nil {
		return fmt.Errorf("decode post message: %w", err)
	}

	bundle, err := j.bundles.GetNewBundle(ctx, pm.PlanID)
	if err != nil {
		if errors.Is(err, pipeerr.ErrNotFound) {
			advanced, probeErr := j.planAdvanced(ctx, pm.PlanID)
			if probeErr != nil {
				return probeErr
			}
			if advanced {
				j.log.Warn("bundle already posted, treating as duplicate delivery",
					slog.String("planId", pm.PlanID))
				return nil
			}
		}
		return fmt.Errorf("get new bundle: %w", err)
	}

	tx, err := j.loadEnvelope(ctx, bundle.BundleID)
	if err != nil {
		return err
	}

	if postErr := j.gateway.PostTx(ctx, tx); postErr != nil {
		return j.handlePostFailure(ctx, bundle.PlanID, bundle.BundleID, bundle.Reward, postErr)
	}

	// The rate is decorative; losing it must not fail the post.
	var rate *float64
	if r, rateErr := j.pricing.GetUSDToARRate(ctx); rateErr != nil {
		j.log.Warn("usd/ar rate unavailable", slog.String("error", rateErr.Error()))
	} else {
		rate = &r
	}

	if err := j.bundles.InsertPostedBundle(ctx, bundle.BundleID, rate); err != nil {
		return fmt.Errorf("insert posted bundle: %w", err)
	}
	metrics.BundlesPostedTotal.Inc()

	if err := j.seedQueue.Send(ctx, queue.PlanMessage{PlanID: pm.PlanID}); err != nil {
		return fmt.Errorf("enqueue seed: %w", err)
	}

	j.log.Info("bundle posted",
		slog.String("planId", pm.PlanID),
		slog.String("bundleId", bundle.BundleID),
	)
	return nil
}

// handlePostFailure decides between dead-lettering (wallet cannot afford
// the reward) and repacking the bundle's data items.
func (j *PostJob) handlePostFailure(ctx context.Context, planID, bundleID, reward string, postErr error) error {
	balance, err := j.gateway.GetBalance(ctx, j.wallet.Address())
	if err != nil {
		return fmt.Errorf("post failed and balance check failed: %w (post error: %v)", err, postErr)
	}

	rewardInt, ok := new(big.Int).SetString(reward, 10)
	if !ok {
		return fmt.Errorf("post failed and reward %q is not numeric (post error: %v)", reward, postErr)
	}
	if balance.Cmp(rewardInt) < 0 {
		return fmt.Errorf("%w: balance %s < reward %s (post error: %v)",
			pipeerr.ErrInsufficientBalance, balance, reward, postErr)
	}

	j.log.Error("bundle post failed, repacking",
		slog.String("planId", planID),
		slog.String("bundleId", bundleID),
		slog.String("error", postErr.Error()),
	)
	if err := j.bundles.UpdateNewBundleToFailedToPost(ctx, planID, bundleID); err != nil {
		return fmt.Errorf("move bundle to failed: %w", err)
	}
	metrics.BundlesDroppedTotal.WithLabelValues(string(pipeerr.ReasonFailedToPost)).Inc()
	metrics.DataItemsRepackedTotal.Inc()
	return nil
}

func (j *PostJob) planAdvanced(ctx context.Context, planID string) (bool, error) {
	if _, err := j.bundles.GetPostedBundle(ctx, planID); err == nil {
		return true, nil
	} else if !errors.Is(err, pipeerr.ErrNotFound) {
		return false, err
	}
	return j.bundles.IsBundleSeeded(ctx, planID)
}

func (j *PostJob) loadEnvelope(ctx context.Context, bundleID string) (*arweave.Transaction, error) {
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
