// Package queue publishes balance alerts to SQS for the notification
// workers that email teachers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"tutorbill/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AlertCounter counts published alerts. Optional.
type AlertCounter interface {
	RecordBalanceAlert(ctx context.Context, kind types.AlertKind)
}

// AlertPublisher sends BalanceAlert messages to the billing alert queue.
type AlertPublisher struct {
	client   SQSSender
	queueURL string
	counter  AlertCounter
	logger   *slog.Logger
}

// NewAlertPublisher creates an AlertPublisher for queueURL. counter may be nil.
func NewAlertPublisher(client SQSSender, queueURL string, counter AlertCounter, logger *slog.Logger) *AlertPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertPublisher{
		client:   client,
		queueURL: queueURL,
		counter:  counter,
		logger:   logger,
	}
}

// PublishBalanceAlert serializes alert to JSON and sends it. An empty
// AlertID is filled with a fresh UUID; consumers dedupe on it.
func (p *AlertPublisher) PublishBalanceAlert(ctx context.Context, alert types.BalanceAlert) error {
	if alert.AlertID == "" {
		alert.AlertID = uuid.NewString()
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal BalanceAlert: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(alert.Kind)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send BalanceAlert to %s: %w", p.queueURL, err)
	}

	if p.counter != nil {
		p.counter.RecordBalanceAlert(ctx, alert.Kind)
	}

	p.logger.InfoContext(ctx, "balance alert sent",
		"queue_url", p.queueURL,
		"alert_id", alert.AlertID,
		"user_id", alert.UserID,
		"kind", string(alert.Kind),
	)
	return nil
}
