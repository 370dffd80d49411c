package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DeletePolicy controls what a calendar-side delete does to the linked page.
// Notion has no hard delete, so "archive" is the default.
type DeletePolicy string

const (
	DeleteArchive DeletePolicy = "archive"
	DeleteSkip    DeletePolicy = "skip"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second

	contentHashKeyPrefix = "hash:page:"
)

// ExecutorOptions configures an Executor. Zero values select defaults.
type ExecutorOptions struct {
	Notion       NotionClient
	Calendar     CalendarClient
	Links        *LinkStore
	Mapping      MappingSource
	KV           KV
	DatabaseID   string
	DeletePolicy DeletePolicy
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Logger       *slog.Logger
	Clock        func() time.Time
}

// Executor applies one normalized change against the counterpart system.
// Each apply runs the state machine received, resolving-link, then one of
// creating/updating/deleting, and ends committed or failed. Every terminal
// outcome yields exactly one log entry in the returned SyncResult.
type Executor struct {
	notion       NotionClient
	calendar     CalendarClient
	links        *LinkStore
	mapping      MappingSource
	kv           KV
	databaseID   string
	deletePolicy DeletePolicy
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewExecutor(opts ExecutorOptions) *Executor {
	e := &Executor{
		notion:       opts.Notion,
		calendar:     opts.Calendar,
		links:        opts.Links,
		mapping:      opts.Mapping,
		kv:           opts.KV,
		databaseID:   opts.DatabaseID,
		deletePolicy: opts.DeletePolicy,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		logger:       opts.Logger,
		now:          opts.Clock,
	}
	if e.deletePolicy == "" {
		e.deletePolicy = DeleteArchive
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = defaultMaxAttempts
	}
	if e.baseDelay <= 0 {
		e.baseDelay = defaultBaseDelay
	}
	if e.maxDelay <= 0 {
		e.maxDelay = defaultMaxDelay
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Apply runs one change to a terminal outcome. The returned SyncResult
// always carries a populated log entry; the error mirrors Entry.Error for
// callers that branch on failure.
func (e *Executor) Apply(ctx context.Context, change *NormalizedChange) (*SyncResult, error) {
	if change == nil {
		return nil, ErrInvalidInput
	}
	started := e.now()
	result := &SyncResult{}

	var err error
	switch change.Direction {
	case DirectionNotionToCalendar:
		err = e.applyToCalendar(ctx, change, result)
	case DirectionCalendarToNotion:
		err = e.applyToNotion(ctx, change, result)
	default:
		err = fmt.Errorf("%w: unknown direction %q", ErrValidation, change.Direction)
	}

	result.Entry = e.buildEntry(change, started, err)
	if err != nil {
		e.logger.Warn("sync failed",
			"operation", string(change.Operation),
			"direction", string(change.Direction),
			"item", result.Entry.ItemID,
			"attempts", result.Attempts,
			"error", err)
		return result, err
	}
	e.logger.Info("sync applied",
		"operation", string(change.Operation),
		"direction", string(change.Direction),
		"item", result.Entry.ItemID,
		"created", result.Created,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"skipped", result.Skipped)
	return result, nil
}

func (e *Executor) buildEntry(change *NormalizedChange, started time.Time, err error) SyncLogEntry {
	source := SystemNotion
	itemID := change.Ref.PageID
	if change.Direction == DirectionCalendarToNotion {
		source = SystemCalendar
		itemID = change.Ref.EventID
	}
	entry := SyncLogEntry{
		ID:               uuid.NewString(),
		Timestamp:        started,
		Source:           source,
		WebhookEventType: change.WebhookEventType,
		Operation:        change.Operation,
		Direction:        change.Direction,
		ItemTitle:        change.Ref.Title,
		ItemID:           itemID,
		Status:           StatusSuccess,
		ProcessingTimeMs: e.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		entry.Status = StatusFailure
		entry.Error = err.Error()
	}
	return entry
}

// applyToCalendar propagates a document-side change onto the calendar.
func (e *Executor) applyToCalendar(ctx context.Context, change *NormalizedChange, result *SyncResult) error {
	pageID := change.Ref.PageID
	if pageID == "" {
		return fmt.Errorf("%w: change missing page id", ErrValidation)
	}

	switch change.Operation {
	case OpDelete:
		eventID, err := e.links.EventForPage(ctx, pageID)
		if errors.Is(err, ErrNotFound) {
			result.Skipped = true // counterpart never synced or already removed
			return nil
		}
		if err != nil {
			return err
		}
		err = e.withRetry(ctx, result, func() error {
			delErr := e.calendar.DeleteEvent(ctx, eventID)
			if errors.Is(delErr, ErrNotFound) {
				return nil
			}
			return delErr
		})
		if err != nil {
			return err
		}
		if err := e.links.Unlink(ctx, pageID, eventID); err != nil {
			return err
		}
		_ = e.kv.Delete(ctx, contentHashKeyPrefix+pageID)
		result.Deleted = true
		return nil

	case OpCreate, OpUpdate:
		payload, err := ToEventPayload(change.Page, e.mapping.Snapshot())
		if err != nil {
			return err
		}
		change.Ref.Title = payload.Title

		eventID, err := e.links.EventForPage(ctx, pageID)
		switch {
		case err == nil:
			// Known counterpart, create downgrades to update.
			return e.updateEvent(ctx, pageID, eventID, payload, result)
		case errors.Is(err, ErrNotFound):
			return e.createEvent(ctx, pageID, payload, result)
		default:
			return err
		}

	default:
		return fmt.Errorf("%w: unknown operation %q", ErrValidation, change.Operation)
	}
}

func (e *Executor) createEvent(ctx context.Context, pageID string, payload *EventRecord, result *SyncResult) error {
	var created *EventRecord
	err := e.withRetry(ctx, result, func() error {
		var createErr error
		created, createErr = e.calendar.CreateEvent(ctx, payload)
		return createErr
	})
	if err != nil {
		return err
	}
	if err := e.links.Link(ctx, pageID, created.ID); err != nil {
		return err
	}
	e.storeContentHash(ctx, pageID, payload)
	result.Created = true
	return nil
}

func (e *Executor) updateEvent(ctx context.Context, pageID, eventID string, payload *EventRecord, result *SyncResult) error {
	if e.contentUnchanged(ctx, pageID, payload) {
		result.Skipped = true
		return nil
	}
	err := e.withRetry(ctx, result, func() error {
		_, updateErr := e.calendar.UpdateEvent(ctx, eventID, payload)
		return updateErr
	})
	if errors.Is(err, ErrNotFound) {
		// The counterpart vanished remotely; recreate it under a fresh link.
		if unlinkErr := e.links.Unlink(ctx, pageID, eventID); unlinkErr != nil {
			return unlinkErr
		}
		return e.createEvent(ctx, pageID, payload, result)
	}
	if err != nil {
		return err
	}
	e.storeContentHash(ctx, pageID, payload)
	result.Updated = true
	return nil
}

// applyToNotion propagates a calendar-side change onto the document store.
func (e *Executor) applyToNotion(ctx context.Context, change *NormalizedChange, result *SyncResult) error {
	eventID := change.Ref.EventID
	if eventID == "" {
		return fmt.Errorf("%w: change missing event id", ErrValidation)
	}

	switch change.Operation {
	case OpDelete:
		pageID, err := e.links.PageForEvent(ctx, eventID)
		if errors.Is(err, ErrNotFound) {
			result.Skipped = true
			return nil
		}
		if err != nil {
			return err
		}
		if e.deletePolicy == DeleteArchive {
			err = e.withRetry(ctx, result, func() error {
				archiveErr := e.notion.ArchivePage(ctx, pageID)
				if errors.Is(archiveErr, ErrNotFound) {
					return nil
				}
				return archiveErr
			})
			if err != nil {
				return err
			}
			result.Deleted = true
		} else {
			result.Skipped = true
		}
		if err := e.links.Unlink(ctx, pageID, eventID); err != nil {
			return err
		}
		_ = e.kv.Delete(ctx, contentHashKeyPrefix+pageID)
		return nil

	case OpCreate, OpUpdate:
		if change.Event == nil {
			return fmt.Errorf("%w: change missing event payload", ErrValidation)
		}
		props, err := ToPageProperties(change.Event, e.mapping.Snapshot())
		if err != nil {
			return err
		}
		change.Ref.Title = change.Event.Title

		pageID := change.Ref.PageID
		if pageID == "" {
			linked, lookupErr := e.links.PageForEvent(ctx, eventID)
			switch {
			case lookupErr == nil:
				pageID = linked
			case errors.Is(lookupErr, ErrNotFound):
				pageID = ""
			default:
				return lookupErr
			}
		}
		if pageID == "" {
			return e.createPage(ctx, eventID, change.Event, props, result)
		}
		return e.updatePage(ctx, pageID, eventID, change.Event, props, result)

	default:
		return fmt.Errorf("%w: unknown operation %q", ErrValidation, change.Operation)
	}
}

func (e *Executor) createPage(ctx context.Context, eventID string, event *EventRecord, props map[string]PropertyValue, result *SyncResult) error {
	var created *PageRecord
	err := e.withRetry(ctx, result, func() error {
		var createErr error
		created, createErr = e.notion.CreatePage(ctx, e.databaseID, props)
		return createErr
	})
	if err != nil {
		return err
	}
	if err := e.links.Link(ctx, created.ID, eventID); err != nil {
		return err
	}
	e.storeContentHash(ctx, created.ID, event)
	result.Created = true
	return nil
}

func (e *Executor) updatePage(ctx context.Context, pageID, eventID string, event *EventRecord, props map[string]PropertyValue, result *SyncResult) error {
	// A marker-derived page id may already be linked to a different event.
	// Claim the pair before touching the page so a bijection conflict fails
	// the operation instead of overwriting a foreign page's content.
	if err := e.links.Link(ctx, pageID, eventID); err != nil {
		return err
	}
	if e.contentUnchanged(ctx, pageID, event) {
		result.Skipped = true
		return nil
	}
	err := e.withRetry(ctx, result, func() error {
		_, updateErr := e.notion.UpdatePage(ctx, pageID, props)
		return updateErr
	})
	if errors.Is(err, ErrNotFound) {
		if unlinkErr := e.links.Unlink(ctx, pageID, eventID); unlinkErr != nil {
			return unlinkErr
		}
		return e.createPage(ctx, eventID, event, props, result)
	}
	if err != nil {
		return err
	}
	e.storeContentHash(ctx, pageID, event)
	result.Updated = true
	return nil
}

// contentUnchanged reports whether the mapped payload matches the hash of
// the last write for this item. It breaks the echo loop where a propagated
// write triggers a webhook back from the counterpart system.
func (e *Executor) contentUnchanged(ctx context.Context, pageID string, event *EventRecord) bool {
	stored, err := e.kv.Get(ctx, contentHashKeyPrefix+pageID)
	if err != nil {
		return false
	}
	return stored == ContentHash(event)
}

func (e *Executor) storeContentHash(ctx context.Context, pageID string, event *EventRecord) {
	if err := e.kv.Set(ctx, contentHashKeyPrefix+pageID, ContentHash(event), 0); err != nil {
		e.logger.Warn("content hash store failed", "page", pageID, "error", err)
	}
}

// withRetry runs fn up to maxAttempts times, sleeping with doubling delay
// between transient failures. Non-retryable errors return immediately.
func (e *Executor) withRetry(ctx context.Context, result *SyncResult, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		result.Attempts = attempt
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == e.maxAttempts {
			break
		}
		if waitErr := sleepContext(ctx, e.retryDelay(attempt, err)); waitErr != nil {
			return waitErr
		}
	}
	return err
}

func (e *Executor) retryDelay(attempt int, err error) time.Duration {
	var remote *RemoteError
	if errors.As(err, &remote) && remote.RetryAfter > 0 {
		if remote.RetryAfter > e.maxDelay {
			return e.maxDelay
		}
		return remote.RetryAfter
	}
	delay := e.baseDelay << (attempt - 1)
	if delay > e.maxDelay {
		return e.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
