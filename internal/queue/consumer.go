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

// ConsumerOptions configures one queue consumer.
type ConsumerOptions struct {
	// Name is the logical queue name for logs and metrics.
	Name string
	// QueueURL is the queue to poll.
	QueueURL string
	// BatchSize is the max messages per receive, 1..10.
	BatchSize int32
	// VisibilityTimeout hides received messages from other consumers.
	VisibilityTimeout time.Duration
	// HeartbeatInterval extends visibility while a handler runs; zero
	// disables heartbeats.
	HeartbeatInterval time.Duration
	// PollingWait is the long-poll wait per receive.
	PollingWait time.Duration
	// TerminateVisibilityTimeoutOnError resets visibility to zero on a
	// handler error so the message redelivers immediately.
	TerminateVisibilityTimeoutOnError bool
	// AutoDelete deletes messages after a successful handler return.
	// The new-data-item consumer disables this and deletes explicitly.
	AutoDelete bool
}

// Hooks lets the worker host account for in-flight work.
type Hooks struct {
	OnReceived  func()
	OnProcessed func()
	OnError     func()
}

// Consumer polls one queue and dispatches messages to a handler.
type Consumer struct {
	api     API
	opts    ConsumerOptions
	handler HandlerFunc
	hooks   Hooks
	log     *slog.Logger
}

// NewConsumer creates a consumer. BatchSize is clamped to 1..10.
func NewConsumer(api API, opts ConsumerOptions, handler HandlerFunc, hooks Hooks, log *slog.Logger) *Consumer {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.BatchSize > 10 {
		opts.BatchSize = 10
	}
	return &Consumer{
		api:     api,
		opts:    opts,
		handler: handler,
		hooks:   hooks,
		log:     log.With(slog.String("queue", opts.Name)),
	}
}

// Run polls until ctx is canceled. Receive errors are logged and retried
// after a short pause; they never terminate the loop.
func (c *Consumer) Run(ctx context.Context) {
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

		for _, raw := range out.Messages {
			msg := Message{
				ID:            aws.ToString(raw.MessageId),
				ReceiptHandle: aws.ToString(raw.ReceiptHandle),
				Body:          []byte(aws.ToString(raw.Body)),
			}
			c.process(ctx, msg)
		}
	}
}

// process runs the handler for one message with heartbeat visibility
// extension, then settles the message per the consumer options.
func (c *Consumer) process(ctx context.Context, msg Message) {
	metrics.MessagesReceivedTotal.WithLabelValues(c.opts.Name).Inc()
	metrics.InflightMessages.Inc()
	if c.hooks.OnReceived != nil {
		c.hooks.OnReceived()
	}
	defer metrics.InflightMessages.Dec()

	// Shutdown only stops the receive loop; a message already handed to
	// the handler runs to completion and settles on a detached context.
	msgCtx := context.WithoutCancel(ctx)
	handlerCtx, cancel := context.WithCancel(msgCtx)
	defer cancel()
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeat(handlerCtx, msg.ReceiptHandle)
	}

	err := c.invoke(handlerCtx, msg)
	cancel()

	if err != nil {
		metrics.MessageErrorsTotal.WithLabelValues(c.opts.Name).Inc()
		if c.hooks.OnError != nil {
			c.hooks.OnError()
		}
		c.log.Error("message processing failed",
			slog.String("messageId", msg.ID),
			slog.String("error", err.Error()),
		)
		if c.opts.TerminateVisibilityTimeoutOnError {
			c.changeVisibility(msgCtx, msg.ReceiptHandle, 0)
		}
		return
	}

	metrics.MessagesProcessedTotal.WithLabelValues(c.opts.Name).Inc()
	if c.hooks.OnProcessed != nil {
		c.hooks.OnProcessed()
	}
	if c.opts.AutoDelete {
		if _, err := c.api.DeleteMessage(msgCtx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.opts.QueueURL),
			ReceiptHandle: aws.String(msg.ReceiptHandle),
		}); err != nil {
			// The message redelivers and the handler's idempotence
			// absorbs the duplicate.
			c.log.Warn("delete failed after successful handling",
				slog.String("messageId", msg.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// invoke runs the handler, converting a panic into an error so one bad
// message cannot take down the consumer.
func (c *Consumer) invoke(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

// heartbeat extends the message's visibility while the handler runs.
func (c *Consumer) heartbeat(ctx context.Context, receiptHandle string) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.changeVisibility(ctx, receiptHandle, c.opts.VisibilityTimeout)
		}
	}
}

func (c *Consumer) changeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.opts.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil && ctx.Err() == nil {
		c.log.Warn("change message visibility failed", slog.String("error", err.Error()))
	}
}
