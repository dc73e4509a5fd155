package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/notify"
)

func TestMetricsSinkCountsEvents(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewMetricsSink(reg)
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	finished := start.Add(90 * time.Second)
	task := crawler.Task{ID: uuid.New(), TeamID: uuid.New(), URL: "https://example.com/"}
	crawl := crawler.CrawlJob{
		ID: uuid.New(), TeamID: task.TeamID, Total: 4, Completed: 3, Failed: 1,
		CreatedAt: start, FinishedAt: &finished,
	}
	batch := []notify.Event{
		notify.TaskEvent(notify.TaskCompleted, task, finished),
		notify.TaskEvent(notify.TaskCompleted, task, finished),
		notify.TaskEvent(notify.TaskFailed, task, finished),
		notify.CrawlEvent(crawl, finished),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	assert.InDelta(t, 2, testutil.ToFloat64(sink.events.WithLabelValues("task.completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.events.WithLabelValues("task.failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.events.WithLabelValues("crawl.completed")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(sink.crawlPages))
	require.NoError(t, sink.Close(context.Background()))
}

func TestMetricsSinkReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := NewMetricsSink(reg)
	require.NoError(t, err)
	second, err := NewMetricsSink(reg)
	require.NoError(t, err)

	task := crawler.Task{ID: uuid.New(), TeamID: uuid.New()}
	require.NoError(t, second.Consume(context.Background(), []notify.Event{notify.TaskEvent(notify.TaskFailed, task, time.Now())}))
	assert.InDelta(t, 1, testutil.ToFloat64(first.events.WithLabelValues("task.failed")), 0)
}
