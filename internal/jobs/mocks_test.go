package jobs

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/permanode/fulfillment/internal/arweave"
	"github.com/permanode/fulfillment/internal/gateway"
	"github.com/permanode/fulfillment/internal/models"
	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
	"github.com/permanode/fulfillment/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockDataItemStore struct{ mock.Mock }

func (m *mockDataItemStore) InsertNewDataItem(ctx context.Context, item models.NewDataItem) error {
	return m.Called(ctx, item).Error(0)
}

func (m *mockDataItemStore) InsertNewDataItemBatch(ctx context.Context, items []models.NewDataItem) (*repository.BatchInsertResult, error) {
	args := m.Called(ctx, items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.BatchInsertResult), args.Error(1)
}

func (m *mockDataItemStore) GetNewDataItems(ctx context.Context, limit int) ([]models.NewDataItem, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.NewDataItem), args.Error(1)
}

func (m *mockDataItemStore) InsertBundlePlan(ctx context.Context, planID string, dataItemIDs []string) (int, error) {
	args := m.Called(ctx, planID, dataItemIDs)
	return args.Int(0), args.Error(1)
}

func (m *mockDataItemStore) GetPlannedDataItems(ctx context.Context, planID string) ([]models.PlannedDataItem, error) {
	args := m.Called(ctx, planID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.PlannedDataItem), args.Error(1)
}

func (m *mockDataItemStore) UpdateDataItemsAsPermanent(ctx context.Context, dataItemIDs []string, blockHeight int64, bundleID string) error {
	return m.Called(ctx, dataItemIDs, blockHeight, bundleID).Error(0)
}

func (m *mockDataItemStore) UpdateDataItemsToBeRePacked(ctx context.Context, dataItemIDs []string, failedBundleID string) error {
	return m.Called(ctx, dataItemIDs, failedBundleID).Error(0)
}

func (m *mockDataItemStore) UpdatePlannedDataItemAsFailed(ctx context.Context, dataItemID string, reason pipeerr.DataItemFailedReason) error {
	return m.Called(ctx, dataItemID, reason).Error(0)
}

func (m *mockDataItemStore) GetDataItemInfo(ctx context.Context, dataItemID string) (*models.DataItemInfo, error) {
	args := m.Called(ctx, dataItemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DataItemInfo), args.Error(1)
}

type mockBundleStore struct{ mock.Mock }

func (m *mockBundleStore) InsertNewBundle(ctx context.Context, bundle models.NewBundle) error {
	return m.Called(ctx, bundle).Error(0)
}

func (m *mockBundleStore) GetNewBundle(ctx context.Context, planID string) (*models.NewBundle, error) {
	args := m.Called(ctx, planID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.NewBundle), args.Error(1)
}

func (m *mockBundleStore) InsertPostedBundle(ctx context.Context, bundleID string, usdToARRate *float64) error {
	return m.Called(ctx, bundleID, usdToARRate).Error(0)
}

func (m *mockBundleStore) GetPostedBundle(ctx context.Context, planID string) (*models.PostedBundle, error) {
	args := m.Called(ctx, planID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PostedBundle), args.Error(1)
}

func (m *mockBundleStore) IsBundleSeeded(ctx context.Context, planID string) (bool, error) {
	args := m.Called(ctx, planID)
	return args.Bool(0), args.Error(1)
}

func (m *mockBundleStore) InsertSeededBundle(ctx context.Context, bundleID string) error {
	return m.Called(ctx, bundleID).Error(0)
}

func (m *mockBundleStore) GetSeededBundles(ctx context.Context, limit int) ([]models.SeededBundle, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SeededBundle), args.Error(1)
}

func (m *mockBundleStore) UpdateBundleAsPermanent(ctx context.Context, planID string, blockHeight int64, indexedOnGQL bool) error {
	return m.Called(ctx, planID, blockHeight, indexedOnGQL).Error(0)
}

func (m *mockBundleStore) UpdateSeededBundleToDropped(ctx context.Context, planID, bundleID string) error {
	return m.Called(ctx, planID, bundleID).Error(0)
}

func (m *mockBundleStore) UpdateNewBundleToFailedToPost(ctx context.Context, planID, bundleID string) error {
	return m.Called(ctx, planID, bundleID).Error(0)
}

type mockGateway struct{ mock.Mock }

func (m *mockGateway) PostTx(ctx context.Context, tx *arweave.Transaction) error {
	return m.Called(ctx, tx).Error(0)
}

func (m *mockGateway) GetTxStatus(ctx context.Context, txID string) (*gateway.TxStatus, error) {
	args := m.Called(ctx, txID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.TxStatus), args.Error(1)
}

func (m *mockGateway) GetTxAnchor(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) GetBlockHeight(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockGateway) GetBlockHeightForTxAnchor(ctx context.Context, anchor string) (int64, error) {
	args := m.Called(ctx, anchor)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockGateway) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockGateway) UploadChunk(ctx context.Context, chunk *arweave.ChunkUpload) error {
	return m.Called(ctx, chunk).Error(0)
}

type mockPricing struct{ mock.Mock }

func (m *mockPricing) GetWinstonPriceForBytes(ctx context.Context, byteCount int64) (string, error) {
	args := m.Called(ctx, byteCount)
	return args.String(0), args.Error(1)
}

func (m *mockPricing) GetUSDToARRate(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

// fakePublisher records everything sent to a queue.
type fakePublisher struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (f *fakePublisher) Send(ctx context.Context, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakePublisher) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}
