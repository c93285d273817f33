// Package queue moves rollout requests through SQS: the producer enqueues
// them, the consumer long-polls and executes them one at a time.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"cascade/internal/types"
)

// SQSSender abstracts SendMessage for testability.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer enqueues rollout requests.
type Producer struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

func NewProducer(client SQSSender, queueURL string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// Submit sends req as a JSON message body and returns the SQS message id.
// source is recorded as a message attribute for auditing.
func (p *Producer) Submit(ctx context.Context, req types.RolloutRequest, source string) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("queue: failed to marshal RolloutRequest: %w", err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"source": {
				DataType:    aws.String("String"),
				StringValue: aws.String(source),
			},
		},
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to enqueue rollout request", err)
	}

	id := aws.ToString(out.MessageId)
	p.logger.InfoContext(ctx, "rollout request enqueued",
		"message_id", id,
		"filename1", req.Filename1,
		"source", source,
	)
	return id, nil
}
