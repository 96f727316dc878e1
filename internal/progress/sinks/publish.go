package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

// Publisher sends one notification. The pubsub and memory publishers satisfy it.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) (string, error)
	Close() error
}

// Notification is the JSON body published for a delivery outcome.
type Notification struct {
	RunID       string    `json:"run_id"`
	Outcome     string    `json:"outcome"`
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	ContentHash string    `json:"content_hash"`
	Location    string    `json:"location,omitempty"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// PublishSink announces delivery outcomes (delivered, fallback, abandoned) to
// downstream subscribers. Failed and rejected tasks are not published.
type PublishSink struct {
	pub    Publisher
	logger *zap.Logger
}

// NewPublishSink wraps a Publisher.
func NewPublishSink(pub Publisher, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, logger: logger}
}

// Consume publishes one message per delivery outcome. The first publish error
// is returned after the rest of the batch has been attempted.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var firstErr error
	for _, evt := range batch {
		if evt.Stage != progress.StageOutcome {
			continue
		}
		switch evt.Outcome {
		case progress.OutcomeDelivered, progress.OutcomeFallback, progress.OutcomeAbandoned:
		default:
			continue
		}
		msg := Notification{
			RunID:       evt.RunUUID().String(),
			Outcome:     evt.Outcome,
			URL:         evt.URL,
			Domain:      evt.Domain,
			ContentHash: evt.ContentHash,
			Location:    evt.DocumentID,
			Attempts:    evt.Attempts,
			Reason:      evt.Reason,
			At:          evt.TS,
		}
		if _, err := s.pub.Publish(ctx, evt.Outcome, msg); err != nil {
			s.logger.Warn("publish outcome failed", zap.String("url", evt.URL), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close flushes and releases the publisher.
func (s *PublishSink) Close(context.Context) error {
	if s == nil || s.pub == nil {
		return nil
	}
	return s.pub.Close()
}
