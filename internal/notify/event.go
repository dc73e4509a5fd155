package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// Type names a notification.
type Type string

// Supported notification types.
const (
	TaskCompleted  Type = "task.completed"
	TaskFailed     Type = "task.failed"
	CrawlCompleted Type = "crawl.completed"
)

// Event is the payload delivered to every sink.
type Event struct {
	Type       Type              `json:"type"`
	TeamID     uuid.UUID         `json:"team_id"`
	TaskID     *uuid.UUID        `json:"task_id,omitempty"`
	CrawlID    *uuid.UUID        `json:"crawl_id,omitempty"`
	Kind       crawler.TaskKind  `json:"kind,omitempty"`
	URL        string            `json:"url,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	ContentURI string            `json:"content_uri,omitempty"`
	Error      string            `json:"error,omitempty"`
	Crawl      *crawler.CrawlJob `json:"crawl,omitempty"`
	At         time.Time         `json:"at"`
}

// Validate rejects events that sinks could not route.
func (e Event) Validate() error {
	if e.TeamID == uuid.Nil {
		return errors.New("team id is required")
	}
	if e.At.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TaskCompleted, TaskFailed:
		if e.TaskID == nil {
			return fmt.Errorf("%s requires task id", e.Type)
		}
	case CrawlCompleted:
		if e.Crawl == nil {
			return errors.New("crawl.completed requires crawl")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Attributes are attached to published messages so subscribers can filter.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"event_type": string(e.Type),
		"team_id":    e.TeamID.String(),
	}
	if e.CrawlID != nil {
		attrs["crawl_id"] = e.CrawlID.String()
	}
	return attrs
}

// TaskEvent builds a task.completed or task.failed event.
func TaskEvent(typ Type, task crawler.Task, at time.Time) Event {
	id := task.ID
	return Event{
		Type:    typ,
		TeamID:  task.TeamID,
		TaskID:  &id,
		CrawlID: task.CrawlID,
		Kind:    task.Kind,
		URL:     task.URL,
		At:      at,
	}
}

// CrawlEvent builds a crawl.completed event.
func CrawlEvent(crawl crawler.CrawlJob, at time.Time) Event {
	id := crawl.ID
	return Event{
		Type:    CrawlCompleted,
		TeamID:  crawl.TeamID,
		CrawlID: &id,
		URL:     crawl.RootURL,
		Crawl:   &crawl,
		At:      at,
	}
}
