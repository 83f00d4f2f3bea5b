// Package models defines the row types for the data-item and bundle
// lifecycle tables.
package models

import (
	"time"
)

// SignatureType identifies the signature scheme of an ANS-104 data item.
type SignatureType int

const (
	SignatureTypeArweave  SignatureType = 1
	SignatureTypeED25519  SignatureType = 2
	SignatureTypeEthereum SignatureType = 3
	SignatureTypeSolana   SignatureType = 4
)

// SignatureLength returns the byte length of a signature of this type, or 0
// if the type is unknown.
func (t SignatureType) SignatureLength() int {
	switch t {
	case SignatureTypeArweave:
		return 512
	case SignatureTypeED25519, SignatureTypeSolana:
		return 64
	case SignatureTypeEthereum:
		return 65
	}
	return 0
}

// NewDataItem is a row in new_data_item: uploaded, not yet planned.
type NewDataItem struct {
	DataItemID           string
	OwnerAddress         string
	ByteCount            int64
	PayloadDataStart     int64
	SignatureType        SignatureType
	Signature            []byte
	AssessedWinstonPrice string
	UploadedDate         time.Time
	FailedBundles        []string
	DeadlineHeight       *int64
	PremiumFeatureType   string
	PayloadContentType   string
}

// PlannedDataItem is a row in planned_data_item: assigned to a bundle plan.
type PlannedDataItem struct {
	NewDataItem
	PlanID      string
	PlannedDate time.Time
}

// PermanentDataItem is a row in permanent_data_item. The signature column is
// dropped on promotion; the raw bytes in the object store remain the source
// of truth.
type PermanentDataItem struct {
	DataItemID           string
	OwnerAddress         string
	ByteCount            int64
	PayloadDataStart     int64
	SignatureType        SignatureType
	AssessedWinstonPrice string
	UploadedDate         time.Time
	PlanID               string
	PlannedDate          time.Time
	BundleID             string
	BlockHeight          int64
	DeadlineHeight       *int64
	PremiumFeatureType   string
	PayloadContentType   string
}

// FailedDataItem is a row in failed_data_item.
type FailedDataItem struct {
	NewDataItem
	FailedDate   time.Time
	FailedReason string
}

// DataItemStatus is the lifecycle state reported by GetDataItemInfo.
type DataItemStatus string

const (
	DataItemStatusNew       DataItemStatus = "new"
	DataItemStatusPending   DataItemStatus = "pending"
	DataItemStatusPermanent DataItemStatus = "permanent"
	DataItemStatusFailed    DataItemStatus = "failed"
)

// DataItemInfo is the read-only probe result across all four state tables.
type DataItemInfo struct {
	Status               DataItemStatus
	AssessedWinstonPrice string
	UploadedDate         time.Time
	BundleID             string
	DeadlineHeight       *int64
	FailedReason         string
}
