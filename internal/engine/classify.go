package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	calendarWatermarkKey = "classifier:calendar:watermark"

	eventStateCacheSize = 512
	eventStateCacheTTL  = 2 * time.Minute
)

// Notion webhook event types the classifier understands. Anything else is
// ignored rather than failed, since Notion adds event types over time.
const (
	NotionEventPageCreated   = "page.created"
	NotionEventPageUpdated   = "page.properties_updated"
	NotionEventPageDeleted   = "page.deleted"
	NotionEventPageUndeleted = "page.undeleted"
)

// Classifier turns raw notifications into normalized changes. Notion
// webhooks name their operation directly; calendar pushes only say "the
// resource changed", so the calendar side fetches current state and diffs
// it against what the link store already knows.
type Classifier struct {
	notion   NotionClient
	calendar CalendarClient
	links    *LinkStore
	kv       KV
	now      func() time.Time

	// stateCache remembers the last successfully dispatched state of each
	// calendar event so redundant pushes inside a burst are suppressed.
	// Entries land via MarkApplied, never during classification, so a
	// failed apply stays eligible for reclassification on redelivery.
	stateCache *expirable.LRU[string, string]
}

func NewClassifier(notion NotionClient, calendar CalendarClient, links *LinkStore, kv KV) *Classifier {
	return &Classifier{
		notion:     notion,
		calendar:   calendar,
		links:      links,
		kv:         kv,
		now:        time.Now,
		stateCache: expirable.NewLRU[string, string](eventStateCacheSize, nil, eventStateCacheTTL),
	}
}

// ClassifyNotion maps a Notion webhook onto a normalized change. The page
// is fetched for create/update so the executor works from current state,
// not the (possibly partial) webhook payload.
func (c *Classifier) ClassifyNotion(ctx context.Context, webhook *NotionWebhook) (*NormalizedChange, error) {
	if webhook == nil || webhook.PageID == "" {
		return nil, ErrInvalidInput
	}
	change := &NormalizedChange{
		Direction:        DirectionNotionToCalendar,
		Ref:              ItemRef{PageID: webhook.PageID},
		WebhookEventType: webhook.EventType,
	}
	switch webhook.EventType {
	case NotionEventPageCreated, NotionEventPageUndeleted:
		change.Operation = OpCreate
	case NotionEventPageUpdated:
		change.Operation = OpUpdate
	case NotionEventPageDeleted:
		change.Operation = OpDelete
		return change, nil
	default:
		return nil, fmt.Errorf("%w: unsupported notion event type %q", ErrValidation, webhook.EventType)
	}

	page, err := c.notion.GetPage(ctx, webhook.PageID)
	if err != nil {
		return nil, err
	}
	if page.Archived {
		// The page was archived between the webhook and the fetch; treat
		// the notification as the delete it has become.
		change.Operation = OpDelete
		return change, nil
	}
	change.Page = page
	change.Ref.Title = pageTitle(page)
	return change, nil
}

// ClassifyCalendar recovers operations from a calendar push. When the push
// names a single event it is fetched and classified; otherwise every event
// updated since the stored watermark is classified. The watermark advances
// only after the caller has dispatched the returned changes.
func (c *Classifier) ClassifyCalendar(ctx context.Context, push *CalendarPush) ([]*NormalizedChange, error) {
	if push == nil {
		return nil, ErrInvalidInput
	}
	if push.ResourceState == "sync" {
		// Channel confirmation message, carries no change.
		return nil, nil
	}

	if push.EventID != "" {
		event, err := c.calendar.GetEvent(ctx, push.EventID)
		if err != nil {
			return nil, err
		}
		change, err := c.classifyEvent(ctx, event)
		if err != nil || change == nil {
			return nil, err
		}
		return []*NormalizedChange{change}, nil
	}

	since := c.loadWatermark(ctx)
	events, err := c.calendar.ListEvents(ctx, since)
	if err != nil {
		return nil, err
	}
	changes := make([]*NormalizedChange, 0, len(events))
	for _, event := range events {
		change, err := c.classifyEvent(ctx, event)
		if err != nil {
			return nil, err
		}
		if change != nil {
			changes = append(changes, change)
		}
	}
	return changes, nil
}

// AdvanceWatermark records the point up to which calendar changes have
// been dispatched.
func (c *Classifier) AdvanceWatermark(ctx context.Context, ts time.Time) {
	_ = c.kv.Set(ctx, calendarWatermarkKey, ts.UTC().Format(time.RFC3339Nano), 0)
}

func (c *Classifier) loadWatermark(ctx context.Context) time.Time {
	raw, err := c.kv.Get(ctx, calendarWatermarkKey)
	if err == nil {
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			return ts
		}
	}
	return c.now().Add(-24 * time.Hour)
}

// MarkApplied records an event state whose change has been applied, so a
// redelivered push for the same state is suppressed.
func (c *Classifier) MarkApplied(event *EventRecord) {
	if event == nil || event.ID == "" {
		return
	}
	c.stateCache.Add(event.ID, eventStateKey(event))
}

func eventStateKey(event *EventRecord) string {
	return event.Status + "|" + event.Updated.UTC().Format(time.RFC3339Nano)
}

func (c *Classifier) classifyEvent(ctx context.Context, event *EventRecord) (*NormalizedChange, error) {
	if event == nil || event.ID == "" {
		return nil, nil
	}
	if cached, ok := c.stateCache.Get(event.ID); ok && cached == eventStateKey(event) {
		return nil, nil // this exact state already applied
	}

	change := &NormalizedChange{
		Direction: DirectionCalendarToNotion,
		Ref:       ItemRef{EventID: event.ID, Title: event.Title},
		Event:     event,
	}

	if event.Status == "cancelled" {
		change.Operation = OpDelete
		return change, nil
	}

	linkedPage, err := c.links.PageForEvent(ctx, event.ID)
	switch {
	case err == nil:
		change.Operation = OpUpdate
		change.Ref.PageID = linkedPage
	case errors.Is(err, ErrNotFound):
		if strings.TrimSpace(event.SourcePageID) != "" {
			// The event carries our cross-reference marker but the link is
			// gone; treat as update to the marked page rather than minting
			// a duplicate.
			change.Operation = OpUpdate
			change.Ref.PageID = event.SourcePageID
		} else {
			// Externally created event: becomes a create-to-document.
			change.Operation = OpCreate
		}
	default:
		return nil, err
	}
	return change, nil
}

func pageTitle(page *PageRecord) string {
	if page == nil {
		return ""
	}
	for _, value := range page.Properties {
		if value.Kind == KindTitle {
			return strings.TrimSpace(value.Text)
		}
	}
	return ""
}
