// Package queue provides the durable queue abstraction: named queues with
// visibility-timeout redelivery and at-least-once delivery, plus the
// consumer loop the worker host runs.
package queue

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Logical queue names, used for logging and metrics labels.
const (
	NamePrepareBundle = "prepare-bundle"
	NamePostBundle    = "post-bundle"
	NameSeedBundle    = "seed-bundle"
	NameNewDataItem   = "new-data-item"
	NameOpticalPost   = "optical-post"
	NameUnbundleBDI   = "unbundle-bdi"
)

// PlanMessage is the body of the prepare/post/seed queues.
type PlanMessage struct {
	PlanID string `json:"planId"`
}

// Message is one received queue message.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
}

// HandlerFunc processes one message. A nil return deletes the message (when
// the consumer auto-deletes); an error surfaces it for redelivery.
type HandlerFunc func(ctx context.Context, msg Message) error

// Publisher sends messages to a queue.
type Publisher interface {
	Send(ctx context.Context, body any) error
}

// API is the subset of the SQS client the queue layer uses. *sqs.Client
// satisfies it; tests provide fakes.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}
