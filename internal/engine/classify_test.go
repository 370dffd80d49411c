package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestClassifier(notion *fakeNotionClient, calendar *fakeCalendarClient) (*Classifier, *LinkStore, *MemoryKV) {
	kv := NewMemoryKV()
	links := NewLinkStore(kv)
	return NewClassifier(notion, calendar, links, kv), links, kv
}

func TestClassifyNotionCreateFetchesPage(t *testing.T) {
	notion := newFakeNotionClient()
	notion.addPage(standupPage("page-1", "Standup", time.Now()))
	classifier, _, _ := newTestClassifier(notion, newFakeCalendarClient())

	change, err := classifier.ClassifyNotion(context.Background(), &NotionWebhook{
		EventType: NotionEventPageCreated,
		PageID:    "page-1",
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if change.Operation != OpCreate || change.Direction != DirectionNotionToCalendar {
		t.Fatalf("wrong classification: %s %s", change.Operation, change.Direction)
	}
	if change.Page == nil || change.Ref.Title != "Standup" {
		t.Fatalf("page not fetched: %+v", change)
	}
}

func TestClassifyNotionUpdate(t *testing.T) {
	notion := newFakeNotionClient()
	notion.addPage(standupPage("page-1", "Standup", time.Now()))
	classifier, _, _ := newTestClassifier(notion, newFakeCalendarClient())

	change, err := classifier.ClassifyNotion(context.Background(), &NotionWebhook{
		EventType: NotionEventPageUpdated,
		PageID:    "page-1",
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if change.Operation != OpUpdate {
		t.Fatalf("expected update, got %s", change.Operation)
	}
}

func TestClassifyNotionDeleteSkipsFetch(t *testing.T) {
	notion := newFakeNotionClient() // page deliberately absent
	classifier, _, _ := newTestClassifier(notion, newFakeCalendarClient())

	change, err := classifier.ClassifyNotion(context.Background(), &NotionWebhook{
		EventType: NotionEventPageDeleted,
		PageID:    "page-gone",
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if change.Operation != OpDelete {
		t.Fatalf("expected delete, got %s", change.Operation)
	}
}

func TestClassifyNotionArchivedPageBecomesDelete(t *testing.T) {
	notion := newFakeNotionClient()
	page := standupPage("page-1", "Standup", time.Now())
	page.Archived = true
	notion.addPage(page)
	classifier, _, _ := newTestClassifier(notion, newFakeCalendarClient())

	change, err := classifier.ClassifyNotion(context.Background(), &NotionWebhook{
		EventType: NotionEventPageUpdated,
		PageID:    "page-1",
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if change.Operation != OpDelete {
		t.Fatalf("archived page should classify as delete, got %s", change.Operation)
	}
}

func TestClassifyNotionUnknownEventType(t *testing.T) {
	classifier, _, _ := newTestClassifier(newFakeNotionClient(), newFakeCalendarClient())

	_, err := classifier.ClassifyNotion(context.Background(), &NotionWebhook{
		EventType: "comment.created",
		PageID:    "page-1",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestClassifyCalendarSyncStateIsSilent(t *testing.T) {
	classifier, _, _ := newTestClassifier(newFakeNotionClient(), newFakeCalendarClient())

	changes, err := classifier.ClassifyCalendar(context.Background(), &CalendarPush{
		ChannelID:     "chan-1",
		ResourceState: "sync",
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("sync confirmation should yield no changes, got %d", len(changes))
	}
}

func TestClassifyCalendarCancelledEventIsDelete(t *testing.T) {
	calendar := newFakeCalendarClient()
	calendar.addEvent(&EventRecord{ID: "event-1", Status: "cancelled", Title: "Standup", Updated: time.Now()})
	classifier, _, _ := newTestClassifier(newFakeNotionClient(), calendar)

	changes, err := classifier.ClassifyCalendar(context.Background(), &CalendarPush{
		ChannelID: "chan-1", ResourceState: "exists", EventID: "event-1",
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Operation != OpDelete {
		t.Fatalf("expected one delete, got %+v", changes)
	}
	if changes[0].Direction != DirectionCalendarToNotion {
		t.Fatalf("wrong direction: %s", changes[0].Direction)
	}
}

func TestClassifyCalendarLinkedEventIsUpdate(t *testing.T) {
	calendar := newFakeCalendarClient()
	calendar.addEvent(&EventRecord{ID: "event-1", Status: "confirmed", Title: "Standup", Updated: time.Now()})
	classifier, links, _ := newTestClassifier(newFakeNotionClient(), calendar)
	if err := links.Link(context.Background(), "page-1", "event-1"); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	changes, err := classifier.ClassifyCalendar(context.Background(), &CalendarPush{
		ChannelID: "chan-1", ResourceState: "exists", EventID: "event-1",
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Operation != OpUpdate {
		t.Fatalf("expected one update, got %+v", changes)
	}
	if changes[0].Ref.PageID != "page-1" {
		t.Fatalf("counterpart page not resolved: %+v", changes[0].Ref)
	}
}

func TestClassifyCalendarMarkedEventWithoutLinkIsUpdate(t *testing.T) {
	calendar := newFakeCalendarClient()
	calendar.addEvent(&EventRecord{
		ID: "event-1", Status: "confirmed", Title: "Standup",
		Updated: time.Now(), SourcePageID: "page-7",
	})
	classifier, _, _ := newTestClassifier(newFakeNotionClient(), calendar)

	changes, err := classifier.ClassifyCalendar(context.Background(), &CalendarPush{
		ChannelID: "chan-1", ResourceState: "exists", EventID: "event-1",
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Operation != OpUpdate || changes[0].Ref.PageID != "page-7" {
		t.Fatalf("marked event should update its marked page, got %+v", changes)
	}
}

func TestClassifyCalendarExternalEventIsCreate(t *testing.T) {
	calendar := newFakeCalendarClient()
	calendar.addEvent(&EventRecord{ID: "event-1", Status: "confirmed", Title: "Offsite", Updated: time.Now()})
	classifier, _, _ := newTestClassifier(newFakeNotionClient(), calendar)

	changes, err := classifier.ClassifyCalendar(context.Background(), &CalendarPush{
		ChannelID: "chan-1", ResourceState: "exists", EventID: "event-1",
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Operation != OpCreate {
		t.Fatalf("external event should classify as create, got %+v", changes)
	}
}

func TestClassifyCalendarListsSinceWatermark(t *testing.T) {
	calendar := newFakeCalendarClient()
	calendar.addEvent(&EventRecord{ID: "event-1", Status: "confirmed", Title: "A", Updated: time.Now()})
	calendar.addEvent(&EventRecord{ID: "event-2", Status: "confirmed", Title: "B", Updated: time.Now()})
	classifier, _, _ := newTestClassifier(newFakeNotionClient(), calendar)

	changes, err := classifier.ClassifyCalendar(context.Background(), &CalendarPush{
		ChannelID: "chan-1", ResourceState: "exists",
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected both listed events classified, got %d", len(changes))
	}
}

func TestClassifyCalendarCacheSuppressesRepeatState(t *testing.T) {
	calendar := newFakeCalendarClient()
	updated := time.Now()
	calendar.addEvent(&EventRecord{ID: "event-1", Status: "confirmed", Title: "A", Updated: updated})
	classifier, _, _ := newTestClassifier(newFakeNotionClient(), calendar)

	push := &CalendarPush{ChannelID: "chan-1", ResourceState: "exists", EventID: "event-1"}
	first, err := classifier.ClassifyCalendar(context.Background(), push)
	if err != nil || len(first) != 1 {
		t.Fatalf("first classification: %v %d", err, len(first))
	}
	classifier.MarkApplied(first[0].Event)

	second, err := classifier.ClassifyCalendar(context.Background(), push)
	if err != nil {
		t.Fatalf("second classification failed: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("applied state should be suppressed, got %d changes", len(second))
	}

	// A newer update timestamp is a new state and must classify again.
	calendar.addEvent(&EventRecord{ID: "event-1", Status: "confirmed", Title: "A", Updated: updated.Add(time.Minute)})
	third, err := classifier.ClassifyCalendar(context.Background(), push)
	if err != nil || len(third) != 1 {
		t.Fatalf("changed event should classify again: %v %d", err, len(third))
	}
}

func TestClassifyCalendarRedeliversUnappliedState(t *testing.T) {
	calendar := newFakeCalendarClient()
	calendar.addEvent(&EventRecord{ID: "event-1", Status: "confirmed", Title: "A", Updated: time.Now()})
	classifier, _, _ := newTestClassifier(newFakeNotionClient(), calendar)

	// Without MarkApplied the dispatch is treated as never having landed,
	// so a redelivered push classifies the same state again.
	push := &CalendarPush{ChannelID: "chan-1", ResourceState: "exists", EventID: "event-1"}
	first, err := classifier.ClassifyCalendar(context.Background(), push)
	if err != nil || len(first) != 1 {
		t.Fatalf("first classification: %v %d", err, len(first))
	}
	second, err := classifier.ClassifyCalendar(context.Background(), push)
	if err != nil || len(second) != 1 {
		t.Fatalf("unapplied state must classify again on redelivery: %v %d", err, len(second))
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	classifier, _, kv := newTestClassifier(newFakeNotionClient(), newFakeCalendarClient())

	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	classifier.AdvanceWatermark(context.Background(), ts)

	raw, err := kv.Get(context.Background(), calendarWatermarkKey)
	if err != nil {
		t.Fatalf("watermark not persisted: %v", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || !parsed.Equal(ts) {
		t.Fatalf("watermark mismatch: %q %v", raw, err)
	}
	if got := classifier.loadWatermark(context.Background()); !got.Equal(ts) {
		t.Fatalf("loadWatermark returned %v, want %v", got, ts)
	}
}
