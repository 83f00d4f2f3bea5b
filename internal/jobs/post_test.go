package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/permanode/fulfillment/internal/arweave"
	"github.com/permanode/fulfillment/internal/models"
	"github.com/permanode/fulfillment/internal/objectstore"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
	"github.com/permanode/fulfillment/internal/queue"
)

// storeEnvelope puts a minimal signed-looking envelope under bundle/<id>.
func storeEnvelope(t *testing.T, store objectstore.Store, bundleID string, tx *arweave.Transaction) {
	t.Helper()
	raw, err := json.Marshal(tx)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), objectstore.BundleKey(bundleID),
		bytes.NewReader(raw), objectstore.PutOptions{ContentType: "application/json"}))
}

func newBundleRow(planID, bundleID, reward string) *models.NewBundle {
	return &models.NewBundle{
		BundleID:         bundleID,
		PlanID:           planID,
		Reward:           reward,
		HeaderByteCount:  96,
		PayloadByteCount: 2048,
	}
}

func TestPostSubmitsAndEnqueuesSeed(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	bundles := &mockBundleStore{}
	gw := &mockGateway{}
	price := &mockPricing{}
	seedQueue := &fakePublisher{}

	tx := &arweave.Transaction{Format: 2, ID: "tx-1", Reward: "100"}
	storeEnvelope(t, store, "tx-1", tx)

	bundles.On("GetNewBundle", mock.Anything, "plan-1").
		Return(newBundleRow("plan-1", "tx-1", "100"), nil).Once()
	gw.On("PostTx", mock.Anything, mock.MatchedBy(func(posted *arweave.Transaction) bool {
		return posted.ID == "tx-1"
	})).Return(nil).Once()
	price.On("GetUSDToARRate", mock.Anything).Return(12.5, nil).Once()
	bundles.On("InsertPostedBundle", mock.Anything, "tx-1", mock.MatchedBy(func(rate *float64) bool {
		return rate != nil && *rate == 12.5
	})).Return(nil).Once()

	job := NewPostJob(bundles, store, gw, price, testWallet(t), seedQueue, testLogger())
	require.NoError(t, job.Handle(ctx, planMessage("plan-1")))

	sent := seedQueue.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, queue.PlanMessage{PlanID: "plan-1"}, sent[0])
	bundles.AssertExpectations(t)
	gw.AssertExpectations(t)
}

func TestPostSurvivesMissingRate(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	bundles := &mockBundleStore{}
	gw := &mockGateway{}
	price := &mockPricing{}

	storeEnvelope(t, store, "tx-1", &arweave.Transaction{Format: 2, ID: "tx-1"})
	bundles.On("GetNewBundle", mock.Anything, "plan-1").
		Return(newBundleRow("plan-1", "tx-1", "100"), nil).Once()
	gw.On("PostTx", mock.Anything, mock.Anything).Return(nil).Once()
	price.On("GetUSDToARRate", mock.Anything).Return(0.0, assert.AnError).Once()
	bundles.On("InsertPostedBundle", mock.Anything, "tx-1", (*float64)(nil)).Return(nil).Once()

	job := NewPostJob(bundles, store, gw, price, testWallet(t), &fakePublisher{}, testLogger())
	require.NoError(t, job.Handle(ctx, planMessage("plan-1")))
	bundles.AssertExpectations(t)
}

func TestPostDuplicateDelivery(t *testing.T) {
	bundles := &mockBundleStore{}
	bundles.On("GetNewBundle", mock.Anything, "plan-1").Return(nil, pipeerr.ErrNotFound).Once()
	bundles.On("GetPostedBundle", mock.Anything, "plan-1").
		Return(&models.PostedBundle{NewBundle: *newBundleRow("plan-1", "tx-1", "100")}, nil).Once()

	job := NewPostJob(bundles, objectstore.NewMemoryStore(), &mockGateway{},
		&mockPricing{}, testWallet(t), &fakePublisher{}, testLogger())
	require.NoError(t, job.Handle(context.Background(), planMessage("plan-1")))
	bundles.AssertExpectations(t)
}

func TestPostInsufficientBalanceFailsMessage(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	bundles := &mockBundleStore{}
	gw := &mockGateway{}
	wallet := testWallet(t)

	storeEnvelope(t, store, "tx-1", &arweave.Transaction{Format: 2, ID: "tx-1"})
	bundles.On("GetNewBundle", mock.Anything, "plan-1").
		Return(newBundleRow("plan-1", "tx-1", "1000000"), nil).Once()
	gw.On("PostTx", mock.Anything, mock.Anything).Return(assert.AnError).Once()
	gw.On("GetBalance", mock.Anything, wallet.Address()).Return(big.NewInt(42), nil).Once()

	job := NewPostJob(bundles, store, gw, &mockPricing{}, wallet, &fakePublisher{}, testLogger())
	err := job.Handle(ctx, planMessage("plan-1"))
	assert.ErrorIs(t, err, pipeerr.ErrInsufficientBalance)
	gw.AssertExpectations(t)
}

func TestPostAffordableFailureRepacksBundle(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	bundles := &mockBundleStore{}
	gw := &mockGateway{}
	wallet := testWallet(t)
	seedQueue := &fakePublisher{}

	storeEnvelope(t, store, "tx-1", &arweave.Transaction{Format: 2, ID: "tx-1"})
	bundles.On("GetNewBundle", mock.Anything, "plan-1").
		Return(newBundleRow("plan-1", "tx-1", "100"), nil).Once()
	gw.On("PostTx", mock.Anything, mock.Anything).Return(assert.AnError).Once()
	gw.On("GetBalance", mock.Anything, wallet.Address()).Return(big.NewInt(1000), nil).Once()
	bundles.On("UpdateNewBundleToFailedToPost", mock.Anything, "plan-1", "tx-1").Return(nil).Once()

	job := NewPostJob(bundles, store, gw, &mockPricing{}, wallet, seedQueue, testLogger())
	require.NoError(t, job.Handle(ctx, planMessage("plan-1")))
	assert.Empty(t, seedQueue.messages())
	bundles.AssertExpectations(t)
	gw.AssertExpectations(t)
}
