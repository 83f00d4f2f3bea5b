package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/permanode/fulfillment/internal/metrics"
	"github.com/permanode/fulfillment/internal/packer"
	"github.com/permanode/fulfillment/internal/queue"
	"github.com/permanode/fulfillment/internal/repository"
)

const (
	// planRunCap bounds one scheduler invocation; beyond it the next tick
	// picks up the remaining backlog.
	planRunCap = 14 * time.Minute
	// planInsertConcurrency bounds parallel plan inserts.
	planInsertConcurrency = 5
	// planFetchMultiplier scales the per-bundle item limit into the
	// per-iteration fetch size.
	planFetchMultiplier = 5
)

// PlanJob pulls new data items, packs them into bundle plans, and enqueues
// each plan for prepare.
type PlanJob struct {
	dataItems    repository.DataItemStore
	packer       *packer.Packer
	prepareQueue queue.Publisher
	maxItems     int
	log          *slog.Logger

	now func() time.Time
}

// NewPlanJob creates the plan job. maxItems is the per-bundle data item
// limit.
func NewPlanJob(
	dataItems repository.DataItemStore,
	p *packer.Packer,
	prepareQueue queue.Publisher,
	maxItems int,
	log *slog.Logger,
) *PlanJob {
	return &PlanJob{
		dataItems:    dataItems,
		packer:       p,
		prepareQueue: prepareQueue,
		maxItems:     maxItems,
		log:          log.With(slog.String("job", "plan")),
		now:          time.Now,
	}
}

// Run drains the new-data-item backlog: fetch, pack, persist, enqueue,
// repeat until the backlog is empty, nothing ships, or the run cap expires.
func (j *PlanJob) Run(ctx context.Context) error {
	deadline := j.now().Add(planRunCap)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if j.now().After(deadline) {
			j.log.Warn("plan run cap reached, leaving backlog for next tick")
			return nil
		}

		items, err := j.dataItems.GetNewDataItems(ctx, planFetchMultiplier*j.maxItems)
		if err != nil {
			return fmt.Errorf("get new data items: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		packed := make([]packer.Item, len(items))
		for i, item := range items {
			packed[i] = packer.Item{
				DataItemID:         item.DataItemID,
				ByteCount:          item.ByteCount,
				UploadedDate:       item.UploadedDate,
				PremiumFeatureType: item.PremiumFeatureType,
			}
		}

		plans := j.packer.Pack(packed)
		if len(plans) == 0 {
			// Everything on hand is underweight and on time.
			return nil
		}

		if err := j.persistPlans(ctx, plans); err != nil {
			return err
		}

		// A short read means the backlog is drained; withheld underweight
		// items would otherwise spin this loop.
		if len(items) < planFetchMultiplier*j.maxItems {
			return nil
		}
	}
}

// persistPlans inserts the plans and enqueues prepare messages, bounded
// parallel. Per-plan errors are logged and do not stop the remaining plans.
func (j *PlanJob) persistPlans(ctx context.Context, plans []packer.Plan) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(planInsertConcurrency)

	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			planID := uuid.NewString()

			moved, err := j.dataItems.InsertBundlePlan(ctx, planID, plan.DataItemIDs)
			if err != nil {
				j.log.Error("insert bundle plan failed",
					slog.String("planId", planID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if moved == 0 {
				// Everything was snatched by a concurrent planner.
				return nil
			}

			if err := j.prepareQueue.Send(ctx, queue.PlanMessage{PlanID: planID}); err != nil {
				// The plan is persisted but unqueued; operators can
				// re-enqueue, so surface this loudly.
				j.log.Error("enqueue prepare failed",
					slog.String("planId", planID),
					slog.String("error", err.Error()),
				)
				return nil
			}

			metrics.DataItemsPlannedTotal.Add(float64(moved))
			j.log.Info("bundle plan created",
				slog.String("planId", planID),
				slog.Int("dataItems", moved),
				slog.Int64("byteCount", plan.TotalByteCount),
			)
			return nil
		})
	}
	return g.Wait()
}
