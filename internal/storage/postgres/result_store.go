package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// ResultStore upserts one result row per task.
type ResultStore struct {
	db DB
}

// NewResultStore wraps an open pool.
func NewResultStore(db DB) *ResultStore {
	return &ResultStore{db: db}
}

// StoreResult writes the row for record.TaskID, replacing an earlier attempt's row.
func (s *ResultStore) StoreResult(ctx context.Context, record crawler.ResultRecord) error {
	headersJSON, err := json.Marshal(normalizeHeaders(record.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var screenshotURI *string
	if record.ScreenshotURI != "" {
		screenshotURI = &record.ScreenshotURI
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO results (
	task_id, status_code, content_type, headers, content_uri, content_hash,
	screenshot_uri, metadata, response_time_ms, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (task_id) DO UPDATE SET
	status_code = EXCLUDED.status_code,
	content_type = EXCLUDED.content_type,
	headers = EXCLUDED.headers,
	content_uri = EXCLUDED.content_uri,
	content_hash = EXCLUDED.content_hash,
	screenshot_uri = EXCLUDED.screenshot_uri,
	metadata = EXCLUDED.metadata,
	response_time_ms = EXCLUDED.response_time_ms,
	created_at = EXCLUDED.created_at`,
		record.TaskID,
		record.StatusCode,
		record.ContentType,
		headersJSON,
		record.ContentURI,
		record.ContentHash,
		screenshotURI,
		metadataJSON,
		record.ResponseTimeMs,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
