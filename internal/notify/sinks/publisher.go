package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/notify"
)

// PublisherSink publishes every event to one topic.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
	stop      func()
}

// NewPublisherSink builds the sink. stop, when non-nil, runs on Close and
// should flush the underlying publisher.
func NewPublisherSink(publisher crawler.Publisher, topic string, stop func()) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher sink requires a publisher")
	}
	if topic == "" {
		return nil, errors.New("publisher sink requires a topic")
	}
	return &PublisherSink{publisher: publisher, topic: topic, stop: stop}, nil
}

// Consume publishes the batch in order and reports every failure.
func (s *PublisherSink) Consume(ctx context.Context, batch []notify.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Type, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements notify.Sink.
func (s *PublisherSink) Close(context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}
