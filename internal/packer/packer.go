// Package packer groups new data items into size- and count-bounded bundle
// plans.
package packer

import (
	"log/slog"
	"time"
)

// Item is the subset of a data item's attributes the packer needs.
type Item struct {
	DataItemID         string
	ByteCount          int64
	UploadedDate       time.Time
	PremiumFeatureType string
}

// Plan is a packed group of data items.
type Plan struct {
	DataItemIDs         []string
	TotalByteCount      int64
	ContainsOverdueItem bool
}

// Options configures the packer caps and thresholds.
type Options struct {
	MaxBundleSize    int64
	MaxDataItemSize  int64
	MaxDataItemLimit int
	OverdueThreshold time.Duration
	TargetBundleSize int64
	// DedicatedBundleTypes lists premium feature types that must never
	// share a bundle with other types.
	DedicatedBundleTypes []string
}

// Packer packs data items into bundle plans with first-fit-lowest-index
// placement. Packing is deterministic in input order.
type Packer struct {
	opts      Options
	dedicated map[string]struct{}
	log       *slog.Logger
	now       func() time.Time
}

// New creates a packer with the given options.
func New(opts Options, log *slog.Logger) *Packer {
	dedicated := make(map[string]struct{}, len(opts.DedicatedBundleTypes))
	for _, t := range opts.DedicatedBundleTypes {
		dedicated[t] = struct{}{}
	}
	return &Packer{opts: opts, dedicated: dedicated, log: log, now: time.Now}
}

const defaultPartition = "default"

// Pack partitions items by premium feature type, packs each partition
// independently, and returns the plans that should ship now: every plan
// containing an overdue item, plus on-time plans at or above the target
// bundle size. Underweight on-time plans are withheld for a later tick.
func (p *Packer) Pack(items []Item) []Plan {
	partitions := p.partition(items)

	var shippable []Plan
	for _, part := range partitions {
		for _, plan := range p.packPartition(part) {
			if plan.ContainsOverdueItem || plan.TotalByteCount >= p.opts.TargetBundleSize {
				shippable = append(shippable, plan)
			}
		}
	}
	return shippable
}

// partition splits items into the dedicated feature partitions and the
// default partition, preserving input order. Dedicated partitions are
// returned in first-seen order after the default partition so the output
// is deterministic.
func (p *Packer) partition(items []Item) [][]Item {
	byType := map[string][]Item{}
	var order []string
	for _, item := range items {
		key := defaultPartition
		if _, ok := p.dedicated[item.PremiumFeatureType]; ok {
			key = item.PremiumFeatureType
		}
		if _, seen := byType[key]; !seen {
			order = append(order, key)
		}
		byType[key] = append(byType[key], item)
	}

	parts := make([][]Item, 0, len(order))
	for _, key := range order {
		parts = append(parts, byType[key])
	}
	return parts
}

// packPartition runs first-fit-lowest-index over one partition and flags
// overdue plans.
func (p *Packer) packPartition(items []Item) []Plan {
	now := p.now()
	var plans []Plan

	for _, item := range items {
		if item.ByteCount > p.opts.MaxDataItemSize {
			p.log.Warn("ignoring oversize data item",
				slog.String("dataItemId", item.DataItemID),
				slog.Int64("byteCount", item.ByteCount),
			)
			continue
		}

		placed := false
		for i := range plans {
			if plans[i].TotalByteCount+item.ByteCount <= p.opts.MaxBundleSize &&
				len(plans[i].DataItemIDs) < p.opts.MaxDataItemLimit {
				plans[i].DataItemIDs = append(plans[i].DataItemIDs, item.DataItemID)
				plans[i].TotalByteCount += item.ByteCount
				if now.Sub(item.UploadedDate) >= p.opts.OverdueThreshold {
					plans[i].ContainsOverdueItem = true
				}
				placed = true
				break
			}
		}
		if !placed {
			plans = append(plans, Plan{
				DataItemIDs:         []string{item.DataItemID},
				TotalByteCount:      item.ByteCount,
				ContainsOverdueItem: now.Sub(item.UploadedDate) >= p.opts.OverdueThreshold,
			})
		}
	}
	return plans
}
