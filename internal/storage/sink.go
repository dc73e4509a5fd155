// Package storage composes blob and row persistence into the result sink
// used by workers.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/hash/sha256"
)

// ResultSink uploads page bodies and screenshots, then records the result row.
// Bodies are content-addressed so identical pages share one object.
type ResultSink struct {
	blobs   crawler.BlobStore
	results crawler.ResultStore
	hasher  crawler.Hasher
	logger  *zap.Logger
}

// NewResultSink wires the sink. Every collaborator except the logger is required.
func NewResultSink(
	blobs crawler.BlobStore,
	results crawler.ResultStore,
	hasher crawler.Hasher,
	logger *zap.Logger,
) (*ResultSink, error) {
	if blobs == nil || results == nil || hasher == nil {
		return nil, fmt.Errorf("result sink requires blob store, result store and hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultSink{blobs: blobs, results: results, hasher: hasher, logger: logger}, nil
}

// Persist implements crawler.ResultSink.
func (s *ResultSink) Persist(ctx context.Context, record crawler.ResultRecord) (crawler.ResultRecord, error) {
	digest, err := s.hasher.Hash(record.Content)
	if err != nil {
		return record, fmt.Errorf("hash content: %w", err)
	}
	record.ContentHash = digest

	contentType := record.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := "content/" + sha256.ObjectKey(digest) + extensionFor(contentType)
	uri, err := s.blobs.PutObject(ctx, key, contentType, bytes.NewReader(record.Content))
	if err != nil {
		return record, fmt.Errorf("upload content: %w", err)
	}
	record.ContentURI = uri

	if len(record.Screenshot) > 0 {
		shotKey := fmt.Sprintf("screenshots/%s.png", record.TaskID)
		shotURI, err := s.blobs.PutObject(ctx, shotKey, "image/png", bytes.NewReader(record.Screenshot))
		if err != nil {
			return record, fmt.Errorf("upload screenshot: %w", err)
		}
		record.ScreenshotURI = shotURI
	}

	if err := s.results.StoreResult(ctx, record); err != nil {
		return record, fmt.Errorf("store result: %w", err)
	}
	s.logger.Debug("result persisted",
		zap.String("task_id", record.TaskID.String()),
		zap.String("content_uri", record.ContentURI),
		zap.Int("bytes", len(record.Content)),
	)
	return record, nil
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch {
	case mediaType == "text/html":
		return ".html"
	case mediaType == "application/json":
		return ".json"
	case strings.HasPrefix(mediaType, "text/"):
		return ".txt"
	default:
		return ""
	}
}
