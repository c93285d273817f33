package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/jonboulle/clockwork"

	"cascade/internal/types"
)

// SQSReceiver is the subset of the SQS client used by Consumer.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Executor runs one rollout. *service.Service satisfies it.
type Executor interface {
	Execute(ctx context.Context, req types.RolloutRequest) (*types.RolloutResult, error)
}

// receiveBackoff is the pause after a failed ReceiveMessage call.
const receiveBackoff = 5 * time.Second

type ConsumerConfig struct {
	Client   SQSReceiver
	QueueURL string
	// WaitTime is the long-poll duration, at most 20s.
	WaitTime time.Duration
	// VisibilityTimeout must outlast a full rollout. Zero keeps the queue default.
	VisibilityTimeout time.Duration
	Executor          Executor
	Clock             clockwork.Clock
	Logger            *slog.Logger
}

// Consumer long-polls a queue and executes one request at a time.
//
// A message is deleted once its rollout has finished, failed or not: the
// run ledger and metrics record failures, and a redelivered request would
// only repeat the same deterministic failure. Messages whose rollout was cut
// short by shutdown are left in flight so another worker picks them up.
type Consumer struct {
	cfg    ConsumerConfig
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	c := &Consumer{cfg: cfg, clock: cfg.Clock, logger: cfg.Logger}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "consumer started", "queue_url", c.cfg.QueueURL)
	for ctx.Err() == nil {
		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.ErrorContext(ctx, "receive failed", "error", err)
			select {
			case <-ctx.Done():
			case <-c.clock.After(receiveBackoff):
			}
		}
	}
	c.logger.InfoContext(ctx, "consumer stopped")
	return nil
}

// PollOnce receives at most one message and processes it. It returns the
// number of messages handled.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             int32(c.cfg.WaitTime / time.Second),
		MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{sqsTypes.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if c.cfg.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(c.cfg.VisibilityTimeout / time.Second)
	}

	out, err := c.cfg.Client.ReceiveMessage(ctx, in)
	if err != nil {
		return 0, err
	}
	for _, msg := range out.Messages {
		c.handle(ctx, msg)
	}
	return len(out.Messages), nil
}

func (c *Consumer) handle(ctx context.Context, msg sqsTypes.Message) {
	id := aws.ToString(msg.MessageId)
	ctx = types.WithRequestID(ctx, id)
	logger := c.logger.With("message_id", id)

	var req types.RolloutRequest
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &req); err != nil {
		logger.ErrorContext(ctx, "discarding malformed message", "error", err)
		c.delete(ctx, logger, msg)
		return
	}

	start := c.clock.Now()
	res, err := c.cfg.Executor.Execute(ctx, req)
	switch {
	case err != nil && ctx.Err() != nil:
		logger.WarnContext(ctx, "rollout interrupted by shutdown; leaving message for redelivery", "error", err)
		return
	case err != nil:
		logger.ErrorContext(ctx, "rollout failed",
			"filename1", req.Filename1,
			"code", types.CodeOf(err),
			"error", err,
			"receive_count", msg.Attributes[string(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount)],
		)
	default:
		logger.InfoContext(ctx, "rollout completed",
			"run_id", res.RunID,
			"steps", len(res.Steps),
			"duration", c.clock.Since(start),
		)
	}
	c.delete(ctx, logger, msg)
}

func (c *Consumer) delete(ctx context.Context, logger *slog.Logger, msg sqsTypes.Message) {
	_, err := c.cfg.Client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete message", "error", err)
	}
}
