package jobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/permanode/fulfillment/internal/ans104"
	"github.com/permanode/fulfillment/internal/arweave"
	"github.com/permanode/fulfillment/internal/gateway"
	"github.com/permanode/fulfillment/internal/models"
	"github.com/permanode/fulfillment/internal/objectstore"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
)

var verifyOpts = VerifyOptions{TxPermanentThreshold: 30, DropBundleTxBlocks: 50}

func seededBundle(planID, bundleID string, headerByteCount, payloadByteCount int64) models.SeededBundle {
	return models.SeededBundle{
		PostedBundle: models.PostedBundle{
			NewBundle: models.NewBundle{
				BundleID:         bundleID,
				PlanID:           planID,
				HeaderByteCount:  headerByteCount,
				PayloadByteCount: payloadByteCount,
			},
			PostedDate: time.Now(),
		},
		SeededDate: time.Now(),
	}
}

// headerFor builds a parseable bundle header and returns it with the
// data item ids it contains.
func headerFor(seeds ...string) ([]byte, []string) {
	items := make([]ans104.HeaderItem, len(seeds))
	ids := make([]string, len(seeds))
	for i, seed := range seeds {
		raw := sha256.Sum256([]byte(seed))
		items[i] = ans104.HeaderItem{RawID: raw, Size: 100}
		ids[i] = base64.RawURLEncoding.EncodeToString(raw[:])
	}
	return ans104.AssembleHeader(items), ids
}

func plannedWithIDs(planID string, ids ...string) []models.PlannedDataItem {
	items := make([]models.PlannedDataItem, len(ids))
	for i, id := range ids {
		items[i] = models.PlannedDataItem{
			NewDataItem: models.NewDataItem{DataItemID: id, ByteCount: 100},
			PlanID:      planID,
		}
	}
	return items
}

func TestVerifyPromotesConfirmedBundle(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	bundles := &mockBundleStore{}
	dataItems := &mockDataItemStore{}
	gw := &mockGateway{}

	header, ids := headerFor("one", "two")
	bundle := seededBundle("plan-1", "tx-1", int64(len(header)), 4096)
	require.NoError(t, store.Put(ctx, objectstore.BundlePayloadKey("plan-1"),
		bytes.NewReader(header), objectstore.PutOptions{}))

	bundles.On("GetSeededBundles", mock.Anything, verifyBundleLimit).
		Return([]models.SeededBundle{bundle}, nil).Once()
	gw.On("GetTxStatus", mock.Anything, "tx-1").
		Return(&gateway.TxStatus{BlockHeight: 1200, NumberOfConfirmations: 31}, nil).Once()
	dataItems.On("GetPlannedDataItems", mock.Anything, "plan-1").
		Return(plannedWithIDs("plan-1", ids...), nil).Once()
	dataItems.On("UpdateDataItemsAsPermanent", mock.Anything, ids, int64(1200), "tx-1").
		Return(nil).Once()
	bundles.On("UpdateBundleAsPermanent", mock.Anything, "plan-1", int64(1200), false).
		Return(nil).Once()

	job := NewVerifyJob(bundles, dataItems, store, gw, verifyOpts, testLogger())
	require.NoError(t, job.Run(ctx))
	bundles.AssertExpectations(t)
	dataItems.AssertExpectations(t)
}

func TestVerifyLeavesUnderConfirmedBundle(t *testing.T) {
	bundles := &mockBundleStore{}
	gw := &mockGateway{}

	bundle := seededBundle("plan-1", "tx-1", 96, 4096)
	bundles.On("GetSeededBundles", mock.Anything, verifyBundleLimit).
		Return([]models.SeededBundle{bundle}, nil).Once()
	gw.On("GetTxStatus", mock.Anything, "tx-1").
		Return(&gateway.TxStatus{BlockHeight: 1200, NumberOfConfirmations: 3}, nil).Once()

	job := NewVerifyJob(bundles, &mockDataItemStore{}, objectstore.NewMemoryStore(),
		gw, verifyOpts, testLogger())
	require.NoError(t, job.Run(context.Background()))
	bundles.AssertNotCalled(t, "UpdateBundleAsPermanent",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyRepacksItemsMissingFromHeader(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	bundles := &mockBundleStore{}
	dataItems := &mockDataItemStore{}
	gw := &mockGateway{}

	header, ids := headerFor("kept")
	bundle := seededBundle("plan-1", "tx-1", int64(len(header)), 4096)
	require.NoError(t, store.Put(ctx, objectstore.BundlePayloadKey("plan-1"),
		bytes.NewReader(header), objectstore.PutOptions{}))

	planned := plannedWithIDs("plan-1", append(ids, "left-behind")...)

	bundles.On("GetSeededBundles", mock.Anything, verifyBundleLimit).
		Return([]models.SeededBundle{bundle}, nil).Once()
	gw.On("GetTxStatus", mock.Anything, "tx-1").
		Return(&gateway.TxStatus{BlockHeight: 1200, NumberOfConfirmations: 31}, nil).Once()
	dataItems.On("GetPlannedDataItems", mock.Anything, "plan-1").Return(planned, nil).Once()
	dataItems.On("UpdateDataItemsAsPermanent", mock.Anything, ids, int64(1200), "tx-1").
		Return(nil).Once()
	dataItems.On("UpdateDataItemsToBeRePacked", mock.Anything, []string{"left-behind"}, "tx-1").
		Return(nil).Once()
	bundles.On("UpdateBundleAsPermanent", mock.Anything, "plan-1", int64(1200), false).
		Return(nil).Once()

	job := NewVerifyJob(bundles, dataItems, store, gw, verifyOpts, testLogger())
	require.NoError(t, job.Run(ctx))
	dataItems.AssertExpectations(t)
	bundles.AssertExpectations(t)
}

func TestVerifyWaitsOnHeaderStragglersBelowRepackBar(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	bundles := &mockBundleStore{}
	dataItems := &mockDataItemStore{}
	gw := &mockGateway{}

	header, ids := headerFor("kept")
	bundle := seededBundle("plan-1", "tx-1", int64(len(header)), 4096)
	require.NoError(t, store.Put(ctx, objectstore.BundlePayloadKey("plan-1"),
		bytes.NewReader(header), objectstore.PutOptions{}))

	// Permanent bar cleared, repack bar (5 for a small payload) not yet.
	opts := VerifyOptions{TxPermanentThreshold: 2, DropBundleTxBlocks: 50}
	planned := plannedWithIDs("plan-1", append(ids, "straggler")...)

	bundles.On("GetSeededBundles", mock.Anything, verifyBundleLimit).
		Return([]models.SeededBundle{bundle}, nil).Once()
	gw.On("GetTxStatus", mock.Anything, "tx-1").
		Return(&gateway.TxStatus{BlockHeight: 1200, NumberOfConfirmations: 3}, nil).Once()
	dataItems.On("GetPlannedDataItems", mock.Anything, "plan-1").Return(planned, nil).Once()
	dataItems.On("UpdateDataItemsAsPermanent", mock.Anything, ids, int64(1200), "tx-1").
		Return(nil).Once()

	job := NewVerifyJob(bundles, dataItems, store, gw, opts, testLogger())
	require.NoError(t, job.Run(ctx))

	dataItems.AssertNotCalled(t, "UpdateDataItemsToBeRePacked",
		mock.Anything, mock.Anything, mock.Anything)
	bundles.AssertNotCalled(t, "UpdateBundleAsPermanent",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyDropsVanishedBundlePastAnchorWindow(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	bundles := &mockBundleStore{}
	gw := &mockGateway{}

	bundle := seededBundle("plan-1", "tx-1", 96, 4096)
	storeEnvelope(t, store, "tx-1", &arweave.Transaction{Format: 2, ID: "tx-1", LastTx: "YW5jaG9y"})

	bundles.On("GetSeededBundles", mock.Anything, verifyBundleLimit).
		Return([]models.SeededBundle{bundle}, nil).Once()
	gw.On("GetTxStatus", mock.Anything, "tx-1").Return(nil, pipeerr.ErrNotFound).Once()
	gw.On("GetBlockHeightForTxAnchor", mock.Anything, "YW5jaG9y").Return(int64(1000), nil).Once()
	gw.On("GetBlockHeight", mock.Anything).Return(int64(1051), nil).Once()
	bundles.On("UpdateSeededBundleToDropped", mock.Anything, "plan-1", "tx-1").Return(nil).Once()

	job := NewVerifyJob(bundles, &mockDataItemStore{}, store, gw, verifyOpts, testLogger())
	require.NoError(t, job.Run(ctx))
	bundles.AssertExpectations(t)
	gw.AssertExpectations(t)
}

func TestVerifyKeepsVanishedBundleInsideAnchorWindow(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	bundles := &mockBundleStore{}
	gw := &mockGateway{}

	bundle := seededBundle("plan-1", "tx-1", 96, 4096)
	storeEnvelope(t, store, "tx-1", &arweave.Transaction{Format: 2, ID: "tx-1", LastTx: "YW5jaG9y"})

	bundles.On("GetSeededBundles", mock.Anything, verifyBundleLimit).
		Return([]models.SeededBundle{bundle}, nil).Once()
	gw.On("GetTxStatus", mock.Anything, "tx-1").Return(nil, pipeerr.ErrNotFound).Once()
	gw.On("GetBlockHeightForTxAnchor", mock.Anything, "YW5jaG9y").Return(int64(1000), nil).Once()
	gw.On("GetBlockHeight", mock.Anything).Return(int64(1040), nil).Once()

	job := NewVerifyJob(bundles, &mockDataItemStore{}, store, gw, verifyOpts, testLogger())
	require.NoError(t, job.Run(ctx))
	bundles.AssertNotCalled(t, "UpdateSeededBundleToDropped",
		mock.Anything, mock.Anything, mock.Anything)
}

func TestRepackThresholdScalesWithPayload(t *testing.T) {
	assert.Equal(t, 5, repackThreshold(0))
	assert.Equal(t, 5, repackThreshold(10<<20))
	assert.Equal(t, 10, repackThreshold(100<<20))
	assert.Equal(t, 30, repackThreshold(300<<20))
	assert.Equal(t, 50, repackThreshold(1<<40))
}
