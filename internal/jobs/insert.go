package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/permanode/fulfillment/internal/cache"
	"github.com/permanode/fulfillment/internal/models"
	"github.com/permanode/fulfillment/internal/queue"
	"github.com/permanode/fulfillment/internal/repository"
)

// dataItemMessage is the ingress JSON shape of a new-data-item message.
// failedBundles arrives comma-separated; it becomes a first-class list at
// this boundary.
type dataItemMessage struct {
	DataItemID           string `json:"dataItemId"`
	OwnerAddress         string `json:"ownerAddress"`
	ByteCount            int64  `json:"byteCount"`
	PayloadDataStart     int64  `json:"payloadDataStart"`
	SignatureType        int    `json:"signatureType"`
	Signature            []byte `json:"signature,omitempty"`
	AssessedWinstonPrice string `json:"assessedWinstonPrice"`
	UploadedDate         string `json:"uploadedDate"`
	FailedBundles        string `json:"failedBundles,omitempty"`
	DeadlineHeight       *int64 `json:"deadlineHeight,omitempty"`
	PremiumFeatureType   string `json:"premiumFeatureType,omitempty"`
	PayloadContentType   string `json:"payloadContentType,omitempty"`
}

// InsertJob ingests batches from the new-data-item queue. Only messages
// whose items were accepted (or are already present, making the ingest
// idempotent) are deleted; the rest redeliver.
type InsertJob struct {
	dataItems repository.DataItemStore
	inflight  cache.InflightCache
	log       *slog.Logger
}

// NewInsertJob creates the insert consumer job.
func NewInsertJob(dataItems repository.DataItemStore, inflight cache.InflightCache, log *slog.Logger) *InsertJob {
	return &InsertJob{
		dataItems: dataItems,
		inflight:  inflight,
		log:       log.With(slog.String("job", "insert")),
	}
}

// HandleBatch decodes a batch, inserts it in one transaction, and returns
// the messages safe to delete.
func (j *InsertJob) HandleBatch(ctx context.Context, msgs []queue.Message) ([]queue.Message, error) {
	items := make([]models.NewDataItem, 0, len(msgs))
	msgByID := make(map[string]queue.Message, len(msgs))

	for _, msg := range msgs {
		item, err := decodeDataItem(msg.Body)
		if err != nil {
			// A malformed message never becomes valid; drop it.
			j.log.Error("dropping undecodable data item message",
				slog.String("messageId", msg.ID),
				slog.String("error", err.Error()),
			)
			msgByID["malformed:"+msg.ID] = msg
			continue
		}

		if added, err := j.inflight.PutInFlight(ctx, item.DataItemID); err != nil {
			j.log.Warn("in-flight cache unavailable",
				slog.String("error", err.Error()))
		} else if !added {
			// Another consumer is inserting this id right now; leave the
			// message for redelivery after the cache entry clears.
			j.log.Debug("data item already in flight",
				slog.String("dataItemId", item.DataItemID))
			continue
		}

		items = append(items, item)
		msgByID[item.DataItemID] = msg
	}

	result, err := j.dataItems.InsertNewDataItemBatch(ctx, items)
	if err != nil {
		for _, item := range items {
			j.removeInflight(ctx, item.DataItemID)
		}
		return j.malformedOnly(msgByID), fmt.Errorf("insert data item batch: %w", err)
	}

	deletable := j.malformedOnly(msgByID)
	for _, id := range append(result.Accepted, result.AlreadyPresent...) {
		if msg, ok := msgByID[id]; ok {
			deletable = append(deletable, msg)
		}
		j.removeInflight(ctx, id)
	}

	j.log.Info("data item batch ingested",
		slog.Int("accepted", len(result.Accepted)),
		slog.Int("alreadyPresent", len(result.AlreadyPresent)),
	)
	return deletable, nil
}

func (j *InsertJob) removeInflight(ctx context.Context, id string) {
	if err := j.inflight.Remove(ctx, id); err != nil {
		j.log.Warn("in-flight cache remove failed",
			slog.String("dataItemId", id),
			slog.String("error", err.Error()),
		)
	}
}

func (j *InsertJob) malformedOnly(msgByID map[string]queue.Message) []queue.Message {
	var msgs []queue.Message
	for key, msg := range msgByID {
		if strings.HasPrefix(key, "malformed:") {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func decodeDataItem(body []byte) (models.NewDataItem, error) {
	var m dataItemMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return models.NewDataItem{}, fmt.Errorf("decode data item: %w", err)
	}
	if m.DataItemID == "" {
		return models.NewDataItem{}, fmt.Errorf("data item message missing dataItemId")
	}

	uploaded := time.Now().UTC()
	if m.UploadedDate != "" {
		parsed, err := time.Parse(time.RFC3339, m.UploadedDate)
		if err != nil {
			return models.NewDataItem{}, fmt.Errorf("parse uploadedDate: %w", err)
		}
		uploaded = parsed
	}

	var failedBundles []string
	if m.FailedBundles != "" {
		for _, id := range strings.Split(m.FailedBundles, ",") {
			if id = strings.TrimSpace(id); id != "" {
				failedBundles = append(failedBundles, id)
			}
		}
	}

	item := models.NewDataItem{
		DataItemID:           m.DataItemID,
		OwnerAddress:         m.OwnerAddress,
		ByteCount:            m.ByteCount,
		PayloadDataStart:     m.PayloadDataStart,
		SignatureType:        models.SignatureType(m.SignatureType),
		Signature:            m.Signature,
		AssessedWinstonPrice: m.AssessedWinstonPrice,
		UploadedDate:         uploaded,
		FailedBundles:        failedBundles,
		DeadlineHeight:       m.DeadlineHeight,
		PremiumFeatureType:   m.PremiumFeatureType,
		PayloadContentType:   m.PayloadContentType,
	}
	if item.SignatureType == 0 {
		item.SignatureType = models.SignatureTypeArweave
	}
	if item.PremiumFeatureType == "" {
		item.PremiumFeatureType = "default"
	}
	if item.PayloadContentType == "" {
		item.PayloadContentType = "application/octet-stream"
	}
	if item.AssessedWinstonPrice == "" {
		item.AssessedWinstonPrice = "0"
	}
	return item, nil
}
