package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/permanode/fulfillment/internal/models"
	"github.com/permanode/fulfillment/internal/packer"
	"github.com/permanode/fulfillment/internal/queue"
)

func testPacker() *packer.Packer {
	return packer.New(packer.Options{
		MaxBundleSize:    1000,
		MaxDataItemSize:  1000,
		MaxDataItemLimit: 100,
		OverdueThreshold: time.Minute,
		TargetBundleSize: 10,
	}, testLogger())
}

func overdueItem(id string, size int64) models.NewDataItem {
	return models.NewDataItem{
		DataItemID:         id,
		ByteCount:          size,
		UploadedDate:       time.Now().Add(-time.Hour),
		PremiumFeatureType: "default",
	}
}

func TestPlanJobPacksAndEnqueues(t *testing.T) {
	store := &mockDataItemStore{}
	prepareQueue := &fakePublisher{}

	items := []models.NewDataItem{overdueItem("a", 100), overdueItem("b", 100)}
	store.On("GetNewDataItems", mock.Anything, 50).Return(items, nil).Once()
	store.On("InsertBundlePlan", mock.Anything, mock.AnythingOfType("string"), []string{"a", "b"}).
		Return(2, nil).Once()

	job := NewPlanJob(store, testPacker(), prepareQueue, 10, testLogger())
	require.NoError(t, job.Run(context.Background()))

	sent := prepareQueue.messages()
	require.Len(t, sent, 1)
	pm, ok := sent[0].(queue.PlanMessage)
	require.True(t, ok)
	assert.NotEmpty(t, pm.PlanID)
	store.AssertExpectations(t)
}

func TestPlanJobStopsOnEmptyBacklog(t *testing.T) {
	store := &mockDataItemStore{}
	store.On("GetNewDataItems", mock.Anything, 50).Return([]models.NewDataItem(nil), nil).Once()

	job := NewPlanJob(store, testPacker(), &fakePublisher{}, 10, testLogger())
	require.NoError(t, job.Run(context.Background()))
	store.AssertExpectations(t)
}

func TestPlanJobSkipsSnatchedPlan(t *testing.T) {
	store := &mockDataItemStore{}
	prepareQueue := &fakePublisher{}

	items := []models.NewDataItem{overdueItem("a", 100)}
	store.On("GetNewDataItems", mock.Anything, 50).Return(items, nil).Once()
	// Another planner moved everything first; no message should ship.
	store.On("InsertBundlePlan", mock.Anything, mock.AnythingOfType("string"), []string{"a"}).
		Return(0, nil).Once()

	job := NewPlanJob(store, testPacker(), prepareQueue, 10, testLogger())
	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, prepareQueue.messages())
	store.AssertExpectations(t)
}

func TestPlanJobWithholdsUnderweightPlans(t *testing.T) {
	store := &mockDataItemStore{}
	prepareQueue := &fakePublisher{}

	// Fresh and below target: the packer withholds it.
	fresh := models.NewDataItem{
		DataItemID:         "fresh",
		ByteCount:          5,
		UploadedDate:       time.Now(),
		PremiumFeatureType: "default",
	}
	store.On("GetNewDataItems", mock.Anything, 50).
		Return([]models.NewDataItem{fresh}, nil).Once()

	job := NewPlanJob(store, testPacker(), prepareQueue, 10, testLogger())
	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, prepareQueue.messages())
	store.AssertExpectations(t)
}

func TestPlanJobContinuesAfterPerPlanError(t *testing.T) {
	store := &mockDataItemStore{}
	prepareQueue := &fakePublisher{}

	// Two dedicated-type partitions yield two plans; one insert fails.
	job := NewPlanJob(store, packer.New(packer.Options{
		MaxBundleSize:        1000,
		MaxDataItemSize:      1000,
		MaxDataItemLimit:     100,
		OverdueThreshold:     time.Minute,
		TargetBundleSize:     10,
		DedicatedBundleTypes: []string{"premium"},
	}, testLogger()), prepareQueue, 10, testLogger())

	premium := overdueItem("p", 100)
	premium.PremiumFeatureType = "premium"
	items := []models.NewDataItem{overdueItem("a", 100), premium}

	store.On("GetNewDataItems", mock.Anything, 50).Return(items, nil).Once()
	store.On("InsertBundlePlan", mock.Anything, mock.AnythingOfType("string"), []string{"a"}).
		Return(0, assert.AnError).Once()
	store.On("InsertBundlePlan", mock.Anything, mock.AnythingOfType("string"), []string{"p"}).
		Return(1, nil).Once()

	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, prepareQueue.messages(), 1)
	store.AssertExpectations(t)
}
