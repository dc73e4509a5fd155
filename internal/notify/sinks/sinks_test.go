package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/notify"
	"github.com/JakeFAU/crawlq/internal/publisher/memory"
)

func TestLogSinkWritesStructuredFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	crawl := crawler.CrawlJob{ID: uuid.New(), TeamID: uuid.New(), RootURL: "https://example.com/", Total: 3, Completed: 2, Failed: 1}

	require.NoError(t, sink.Consume(context.Background(), []notify.Event{notify.CrawlEvent(crawl, time.Now())}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "crawl.completed", fields["type"])
	assert.Equal(t, crawl.ID.String(), fields["crawl_id"])
	assert.Equal(t, int64(3), fields["total"])
}

func TestPublisherSinkPublishesToTopic(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	stopped := false
	sink, err := NewPublisherSink(pub, "crawlq-events", func() { stopped = true })
	require.NoError(t, err)

	task := crawler.Task{ID: uuid.New(), TeamID: uuid.New(), URL: "https://example.com/"}
	batch := []notify.Event{
		notify.TaskEvent(notify.TaskCompleted, task, time.Now()),
		notify.TaskEvent(notify.TaskFailed, task, time.Now()),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.MessagesFor("crawlq-events")
	require.Len(t, msgs, 2)
	assert.Equal(t, notify.TaskCompleted, msgs[0].Payload.(notify.Event).Type)

	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, stopped)
}

func TestPublisherSinkReportsFailures(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("unavailable"))
	sink, err := NewPublisherSink(pub, "events", nil)
	require.NoError(t, err)

	task := crawler.Task{ID: uuid.New(), TeamID: uuid.New()}
	err = sink.Consume(context.Background(), []notify.Event{notify.TaskEvent(notify.TaskFailed, task, time.Now())})
	require.ErrorContains(t, err, "publish task.failed")
	require.NoError(t, sink.Close(context.Background()))
}

func TestNewPublisherSinkValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPublisherSink(nil, "events", nil)
	require.Error(t, err)
	_, err = NewPublisherSink(memory.New(), "", nil)
	require.Error(t, err)
}
