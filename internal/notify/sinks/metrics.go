package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlq/internal/notify"
)

// MetricsSink exports notification counts and finished crawl sizes via
// Prometheus.
type MetricsSink struct {
	events     *prometheus.CounterVec
	crawlPages *prometheus.HistogramVec
	crawlTime  prometheus.Histogram
}

// NewMetricsSink registers the collectors against reg, reusing collectors
// that an earlier sink already registered.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlq_notifications_total",
		Help: "Notifications delivered to sinks, partitioned by type.",
	}, []string{"type"})
	pages := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawlq_crawl_pages",
		Help:    "Pages per finished crawl, partitioned by outcome.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"outcome"})
	runtime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawlq_crawl_runtime_seconds",
		Help:    "Wall time from crawl submission to completion.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	})

	var err error
	if events, err = register(reg, events); err != nil {
		return nil, err
	}
	if pages, err = register(reg, pages); err != nil {
		return nil, err
	}
	if runtime, err = register(reg, runtime); err != nil {
		return nil, err
	}
	return &MetricsSink{events: events, crawlPages: pages, crawlTime: runtime}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register notification collector: %w", err)
	}
	return c, nil
}

// Consume implements notify.Sink. It is safe for concurrent use.
func (s *MetricsSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Type)).Inc()
		if evt.Type != notify.CrawlCompleted || evt.Crawl == nil {
			continue
		}
		crawl := evt.Crawl
		outcome := "success"
		if crawl.Failed > 0 {
			outcome = "partial"
		}
		if crawl.Completed == 0 {
			outcome = "failed"
		}
		s.crawlPages.WithLabelValues(outcome).Observe(float64(crawl.Total))
		if crawl.FinishedAt != nil && !crawl.CreatedAt.IsZero() {
			s.crawlTime.Observe(crawl.FinishedAt.Sub(crawl.CreatedAt).Seconds())
		}
	}
	return nil
}

// Close implements notify.Sink; it performs no action.
func (s *MetricsSink) Close(context.Context) error {
	return nil
}
