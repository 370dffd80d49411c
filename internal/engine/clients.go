package engine

import (
	"context"
	"time"
)

// NotionClient is the document-system collaborator. Implementations wrap
// the Notion REST API; the engine only depends on this contract.
type NotionClient interface {
	CreatePage(ctx context.Context, databaseID string, props map[string]PropertyValue) (*PageRecord, error)
	UpdatePage(ctx context.Context, pageID string, props map[string]PropertyValue) (*PageRecord, error)
	ArchivePage(ctx context.Context, pageID string) error
	GetPage(ctx context.Context, pageID string) (*PageRecord, error)
	QueryDatabase(ctx context.Context, databaseID string, updatedSince time.Time) ([]*PageRecord, error)
}

// CalendarClient is the calendar-system collaborator. DeleteEvent cancels
// the event; GetEvent must return cancelled events rather than ErrNotFound
// so the classifier can observe deletions.
type CalendarClient interface {
	CreateEvent(ctx context.Context, event *EventRecord) (*EventRecord, error)
	UpdateEvent(ctx context.Context, eventID string, event *EventRecord) (*EventRecord, error)
	DeleteEvent(ctx context.Context, eventID string) error
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)
	ListEvents(ctx context.Context, updatedSince time.Time) ([]*EventRecord, error)
}
