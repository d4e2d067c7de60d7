package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/events"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Topics routes notification-worthy stages to publisher topics. Stages with
// an empty topic are not published.
type Topics struct {
	Signatures string
	Retests    string
}

// PublisherSink forwards new signatures and created retest jobs to a
// triage.Publisher so downstream bug-tracker sync can react.
type PublisherSink struct {
	pub    triage.Publisher
	topics Topics
	logger *zap.Logger
}

// NewPublisherSink builds a sink over pub.
func NewPublisherSink(pub triage.Publisher, topics Topics, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topics: topics, logger: logger}
}

// Consume publishes each routed event and joins any failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		topic := s.topicFor(evt.Stage)
		if topic == "" {
			continue
		}
		id, err := s.pub.Publish(ctx, topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s to %s: %w", evt.Stage, topic, err))
			continue
		}
		s.logger.Debug("event published", zap.String("topic", topic), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

func (s *PublisherSink) topicFor(stage events.Stage) string {
	switch stage {
	case events.StageSignatureNew:
		return s.topics.Signatures
	case events.StageRetestCreated:
		return s.topics.Retests
	default:
		return ""
	}
}

// Close implements events.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
