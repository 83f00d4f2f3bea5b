package models

import "time"

// BundlePlan is a row in bundle_plan: a group of planned data items awaiting
// prepare. The plan id is the correlation id across every pipeline queue and
// object-store key.
type BundlePlan struct {
	PlanID      string
	PlannedDate time.Time
}

// NewBundle is a row in new_bundle: header assembled, transaction signed,
// not yet posted.
type NewBundle struct {
	BundleID             string
	PlanID               string
	Reward               string
	HeaderByteCount      int64
	PayloadByteCount     int64
	TransactionByteCount int64
	PlannedDate          time.Time
	SignedDate           time.Time
}

// PostedBundle is a row in posted_bundle: transaction accepted by the
// gateway, payload not yet seeded.
type PostedBundle struct {
	NewBundle
	PostedDate  time.Time
	USDToARRate *float64
}

// SeededBundle is a row in seeded_bundle: payload chunks uploaded, awaiting
// confirmations.
type SeededBundle struct {
	PostedBundle
	SeededDate time.Time
}

// PermanentBundle is a row in permanent_bundle.
type PermanentBundle struct {
	SeededBundle
	BlockHeight  int64
	IndexedOnGQL bool
}

// FailedBundle is a row in failed_bundle; its data items have been repacked
// or failed.
type FailedBundle struct {
	BundleID     string
	PlanID       string
	FailedDate   time.Time
	FailedReason string
}
