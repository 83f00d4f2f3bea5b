package packer

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPacker(opts Options) *Packer {
	p := New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return p
}

func recentUpload() time.Time {
	return time.Date(2025, 12, 31, 23, 59, 30, 0, time.UTC) // 30s before now
}

func overdueUpload() time.Time {
	return time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC) // a day before now
}

func baseOptions() Options {
	return Options{
		MaxBundleSize:    100,
		MaxDataItemSize:  100,
		MaxDataItemLimit: 3,
		OverdueThreshold: 5 * time.Minute,
		TargetBundleSize: 1, // everything ships unless a test raises it
	}
}

func TestPackSingleBundle(t *testing.T) {
	p := testPacker(baseOptions())

	plans := p.Pack([]Item{
		{DataItemID: "t1", ByteCount: 10, UploadedDate: recentUpload()},
		{DataItemID: "t2", ByteCount: 10, UploadedDate: recentUpload()},
		{DataItemID: "t3", ByteCount: 10, UploadedDate: recentUpload()},
	})

	require.Len(t, plans, 1)
	assert.Equal(t, []string{"t1", "t2", "t3"}, plans[0].DataItemIDs)
	assert.Equal(t, int64(30), plans[0].TotalByteCount)
	assert.False(t, plans[0].ContainsOverdueItem)
}

func TestPackFirstFitLowestIndex(t *testing.T) {
	p := testPacker(baseOptions())

	plans := p.Pack([]Item{
		{DataItemID: "t1", ByteCount: 90, UploadedDate: recentUpload()},
		{DataItemID: "t2", ByteCount: 90, UploadedDate: recentUpload()},
		{DataItemID: "t3", ByteCount: 10, UploadedDate: recentUpload()},
	})

	// t3 lands in the first plan even though the second also has room.
	require.Len(t, plans, 2)
	assert.Equal(t, []string{"t1", "t3"}, plans[0].DataItemIDs)
	assert.Equal(t, int64(100), plans[0].TotalByteCount)
	assert.Equal(t, []string{"t2"}, plans[1].DataItemIDs)
	assert.Equal(t, int64(90), plans[1].TotalByteCount)
}

func TestPackItemLimitOverflow(t *testing.T) {
	p := testPacker(baseOptions())

	var items []Item
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		items = append(items, Item{DataItemID: id, ByteCount: 10, UploadedDate: recentUpload()})
	}

	plans := p.Pack(items)
	require.Len(t, plans, 4)
	assert.Len(t, plans[0].DataItemIDs, 3)
	assert.Len(t, plans[1].DataItemIDs, 3)
	assert.Len(t, plans[2].DataItemIDs, 3)
	assert.Len(t, plans[3].DataItemIDs, 1)
}

func TestPackOversizeItemIgnored(t *testing.T) {
	opts := baseOptions()
	opts.MaxDataItemSize = 50
	p := testPacker(opts)

	plans := p.Pack([]Item{
		{DataItemID: "huge", ByteCount: 51, UploadedDate: recentUpload()},
	})
	assert.Empty(t, plans)
}

func TestPackNeverExceedsCaps(t *testing.T) {
	opts := baseOptions()
	opts.MaxBundleSize = 25
	p := testPacker(opts)

	plans := p.Pack([]Item{
		{DataItemID: "t1", ByteCount: 10, UploadedDate: recentUpload()},
		{DataItemID: "t2", ByteCount: 10, UploadedDate: recentUpload()},
		{DataItemID: "t3", ByteCount: 10, UploadedDate: recentUpload()},
		{DataItemID: "t4", ByteCount: 10, UploadedDate: recentUpload()},
	})

	for _, plan := range plans {
		assert.LessOrEqual(t, plan.TotalByteCount, opts.MaxBundleSize)
		assert.LessOrEqual(t, len(plan.DataItemIDs), opts.MaxDataItemLimit)
		assert.NotEmpty(t, plan.DataItemIDs)
	}
}

func TestPackUnderweightPlansWithheld(t *testing.T) {
	opts := baseOptions()
	opts.TargetBundleSize = 50
	p := testPacker(opts)

	plans := p.Pack([]Item{
		{DataItemID: "t1", ByteCount: 10, UploadedDate: recentUpload()},
	})
	assert.Empty(t, plans, "underweight on-time plan must wait for more items")
}

func TestPackOverduePlanShipsUnderweight(t *testing.T) {
	opts := baseOptions()
	opts.TargetBundleSize = 50
	p := testPacker(opts)

	plans := p.Pack([]Item{
		{DataItemID: "t1", ByteCount: 10, UploadedDate: overdueUpload()},
	})
	require.Len(t, plans, 1)
	assert.True(t, plans[0].ContainsOverdueItem)
}

func TestPackDedicatedTypesNeverMix(t *testing.T) {
	opts := baseOptions()
	opts.DedicatedBundleTypes = []string{"premium"}
	p := testPacker(opts)

	plans := p.Pack([]Item{
		{DataItemID: "d1", ByteCount: 10, UploadedDate: recentUpload()},
		{DataItemID: "p1", ByteCount: 10, UploadedDate: recentUpload(), PremiumFeatureType: "premium"},
		{DataItemID: "d2", ByteCount: 10, UploadedDate: recentUpload()},
	})

	require.Len(t, plans, 2)
	assert.Equal(t, []string{"d1", "d2"}, plans[0].DataItemIDs)
	assert.Equal(t, []string{"p1"}, plans[1].DataItemIDs)
}

func TestPackNonDedicatedTypesShareDefaultPartition(t *testing.T) {
	p := testPacker(baseOptions())

	plans := p.Pack([]Item{
		{DataItemID: "a", ByteCount: 10, UploadedDate: recentUpload(), PremiumFeatureType: "fancy"},
		{DataItemID: "b", ByteCount: 10, UploadedDate: recentUpload()},
	})

	require.Len(t, plans, 1)
	assert.Equal(t, []string{"a", "b"}, plans[0].DataItemIDs)
}

func TestPackDeterministic(t *testing.T) {
	p := testPacker(baseOptions())

	items := []Item{
		{DataItemID: "t1", ByteCount: 40, UploadedDate: recentUpload()},
		{DataItemID: "t2", ByteCount: 70, UploadedDate: recentUpload()},
		{DataItemID: "t3", ByteCount: 50, UploadedDate: recentUpload()},
		{DataItemID: "t4", ByteCount: 30, UploadedDate: recentUpload()},
	}

	first := p.Pack(items)
	second := p.Pack(items)
	assert.Equal(t, first, second)
}
