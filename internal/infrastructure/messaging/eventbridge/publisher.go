// Package eventbridge publishes session lifecycle events to an AWS
// EventBridge bus.
package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
)

const maxAttempts = 3

// API is the subset of the EventBridge client used here.
type API interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Publisher implements ports.EventPublisher.
type Publisher struct {
	client       API
	eventBusName string
	source       string
	logger       *zap.Logger
}

// NewPublisher creates a publisher for eventBusName. An empty source falls
// back to events.SourceCollab.
func NewPublisher(client API, eventBusName, source string, logger *zap.Logger) *Publisher {
	if source == "" {
		source = events.SourceCollab
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:       client,
		eventBusName: eventBusName,
		source:       source,
		logger:       logger.Named("eventbridge"),
	}
}

// Publish sends one lifecycle event, retrying throttling and failed
// entries a few times.
func (p *Publisher) Publish(ctx context.Context, event events.LifecycleEvent) error {
	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	entry := types.PutEventsRequestEntry{
		EventBusName: aws.String(p.eventBusName),
		Source:       aws.String(p.source),
		DetailType:   aws.String(event.Type),
		Detail:       aws.String(string(detail)),
		Time:         aws.Time(event.Timestamp),
		Resources:    []string{"graph/" + event.GraphID, "session/" + event.SessionID},
	}

	op := func() (struct{}, error) {
		out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: []types.PutEventsRequestEntry{entry}})
		if err != nil {
			if !isRetryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		if out.FailedEntryCount > 0 && len(out.Entries) > 0 {
			e := out.Entries[0]
			return struct{}{}, fmt.Errorf("entry rejected: %s: %s", aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
		}
		return struct{}{}, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("Retrying event publication",
				zap.String("eventType", event.Type),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s to EventBridge: %w", event.Type, err)
	}

	p.logger.Debug("Event published",
		zap.String("eventType", event.Type),
		zap.String("sessionID", event.SessionID),
		zap.String("eventBus", p.eventBusName),
	)
	return nil
}

// isRetryable reports whether the service failure is transient.
func isRetryable(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "InternalException", "ServiceUnavailable":
		return true
	}
	return apiErr.ErrorFault() == smithy.FaultServer
}
