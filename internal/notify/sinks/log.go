package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/notify"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements notify.Sink.
func (s *LogSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.String("team_id", evt.TeamID.String()),
			zap.String("url", evt.URL),
		}
		if evt.TaskID != nil {
			fields = append(fields, zap.String("task_id", evt.TaskID.String()))
		}
		if evt.CrawlID != nil {
			fields = append(fields, zap.String("crawl_id", evt.CrawlID.String()))
		}
		if evt.Error != "" {
			fields = append(fields, zap.String("error", evt.Error))
		}
		if evt.Crawl != nil {
			fields = append(fields,
				zap.Int("total", evt.Crawl.Total),
				zap.Int("completed", evt.Crawl.Completed),
				zap.Int("failed", evt.Crawl.Failed),
			)
		}
		s.logger.Info("notification", fields...)
	}
	return nil
}

// Close implements notify.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
