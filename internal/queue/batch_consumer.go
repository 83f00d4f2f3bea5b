package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/permanode/fulfillment/internal/metrics"
)

// BatchHandlerFunc processes a whole received batch and returns the
// messages that should be deleted. Messages not returned stay on the queue
// and redeliver after their visibility timeout.
type BatchHandlerFunc func(ctx context.Context, msgs []Message) (deletable []Message, err error)

// BatchConsumer polls one queue and hands each received batch to a handler
// that settles messages explicitly. The new-data-item queue uses this so a
// partially failed insert only deletes the accepted messages.
type BatchConsumer struct {
	api     API
	opts    ConsumerOptions
	handler BatchHandlerFunc
	hooks   Hooks
	log     *slog.Logger
}

// NewBatchConsumer creates a batch consumer. BatchSize is clamped to 1..10.
func NewBatchConsumer(api API, opts ConsumerOptions, handler BatchHandlerFunc, hooks Hooks, log *slog.Logger) *BatchConsumer {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.BatchSize > 10 {
		opts.BatchSize = 10
	}
	return &BatchConsumer{
		api:     api,
		opts:    opts,
		handler: handler,
		hooks:   hooks,
		log:     log.With(slog.String("queue", opts.Name)),
	}
}

// Run polls until ctx is canceled.
func (c *BatchConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.opts.QueueURL),
			MaxNumberOfMessages: c.opts.BatchSize,
			WaitTimeSeconds:     int32(c.opts.PollingWait / time.Second),
			VisibilityTimeout:   int32(c.opts.VisibilityTimeout / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("receive failed", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(out.Messages) == 0 {
			continue
		}

		msgs := make([]Message, 0, len(out.Messages))
		for _, raw := range out.Messages {
			msgs = append(msgs, Message{
				ID:            aws.ToString(raw.MessageId),
				ReceiptHandle: aws.ToString(raw.ReceiptHandle),
				Body:          []byte(aws.ToString(raw.Body)),
			})
		}
		c.process(ctx, msgs)
	}
}

func (c *BatchConsumer) process(ctx context.Context, msgs []Message) {
	metrics.MessagesReceivedTotal.WithLabelValues(c.opts.Name).Add(float64(len(msgs)))
	metrics.InflightMessages.Add(float64(len(msgs)))
	if c.hooks.OnReceived != nil {
		for range msgs {
			c.hooks.OnReceived()
		}
	}
	defer metrics.InflightMessages.Sub(float64(len(msgs)))

	// Shutdown only stops the receive loop; a batch already handed to the
	// handler runs to completion and settles on a detached context.
	batchCtx := context.WithoutCancel(ctx)

	deletable, err := c.invoke(batchCtx, msgs)
	if err != nil {
		metrics.MessageErrorsTotal.WithLabelValues(c.opts.Name).Inc()
		c.log.Error("batch processing failed",
			slog.Int("batchSize", len(msgs)),
			slog.String("error", err.Error()),
		)
	}

	settled := make(map[string]bool, len(deletable))
	for _, msg := range deletable {
		if _, err := c.api.DeleteMessage(batchCtx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.opts.QueueURL),
			ReceiptHandle: aws.String(msg.ReceiptHandle),
		}); err != nil {
			c.log.Warn("delete failed",
				slog.String("messageId", msg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		settled[msg.ReceiptHandle] = true
		metrics.MessagesProcessedTotal.WithLabelValues(c.opts.Name).Inc()
	}

	// Every received message settles exactly once for drain accounting;
	// undeleted messages redeliver after their visibility timeout.
	for _, msg := range msgs {
		if settled[msg.ReceiptHandle] {
			if c.hooks.OnProcessed != nil {
				c.hooks.OnProcessed()
			}
		} else if c.hooks.OnError != nil {
			c.hooks.OnError()
		}
	}
}

func (c *BatchConsumer) invoke(ctx context.Context, msgs []Message) (deletable []Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msgs)
}
