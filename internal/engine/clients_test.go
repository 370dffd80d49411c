package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// fakeNotionClient is an in-memory NotionClient with per-operation
// scripted failures.
type fakeNotionClient struct {
	mu          sync.Mutex
	pages       map[string]*PageRecord
	nextID      int
	createCalls int
	updateCalls int
	archiveCall int
	failures    map[string]int
	failErr     map[string]error
}

func newFakeNotionClient() *fakeNotionClient {
	return &fakeNotionClient{
		pages:    map[string]*PageRecord{},
		failures: map[string]int{},
		failErr:  map[string]error{},
	}
}

func (f *fakeNotionClient) failNext(op string, times int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = times
	f.failErr[op] = err
}

func (f *fakeNotionClient) scriptedFailure(op string) error {
	if f.failures[op] > 0 {
		f.failures[op]--
		return f.failErr[op]
	}
	return nil
}

func (f *fakeNotionClient) addPage(page *PageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[page.ID] = page
}

func (f *fakeNotionClient) CreatePage(ctx context.Context, databaseID string, props map[string]PropertyValue) (*PageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("create"); err != nil {
		return nil, err
	}
	f.createCalls++
	f.nextID++
	page := &PageRecord{
		ID:         "page-" + strconv.Itoa(f.nextID),
		DatabaseID: databaseID,
		Properties: props,
	}
	f.pages[page.ID] = page
	return page, nil
}

func (f *fakeNotionClient) UpdatePage(ctx context.Context, pageID string, props map[string]PropertyValue) (*PageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("update"); err != nil {
		return nil, err
	}
	page, ok := f.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("%w: page %s", ErrNotFound, pageID)
	}
	f.updateCalls++
	for name, value := range props {
		if page.Properties == nil {
			page.Properties = map[string]PropertyValue{}
		}
		page.Properties[name] = value
	}
	return page, nil
}

func (f *fakeNotionClient) ArchivePage(ctx context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("archive"); err != nil {
		return err
	}
	page, ok := f.pages[pageID]
	if !ok {
		return fmt.Errorf("%w: page %s", ErrNotFound, pageID)
	}
	f.archiveCall++
	page.Archived = true
	return nil
}

func (f *fakeNotionClient) GetPage(ctx context.Context, pageID string) (*PageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("get"); err != nil {
		return nil, err
	}
	page, ok := f.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("%w: page %s", ErrNotFound, pageID)
	}
	return page, nil
}

func (f *fakeNotionClient) QueryDatabase(ctx context.Context, databaseID string, updatedSince time.Time) ([]*PageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("query"); err != nil {
		return nil, err
	}
	var out []*PageRecord
	for _, page := range f.pages {
		if page.Archived {
			continue
		}
		// Pages without an edit timestamp are always returned.
		if !page.LastEditedTime.IsZero() && page.LastEditedTime.Before(updatedSince) {
			continue
		}
		out = append(out, page)
	}
	return out, nil
}

// fakeCalendarClient mirrors fakeNotionClient for the calendar side.
// DeleteEvent cancels rather than removes, matching the real API.
type fakeCalendarClient struct {
	mu          sync.Mutex
	events      map[string]*EventRecord
	nextID      int
	createCalls int
	updateCalls int
	deleteCalls int
	failures    map[string]int
	failErr     map[string]error
}

func newFakeCalendarClient() *fakeCalendarClient {
	return &fakeCalendarClient{
		events:   map[string]*EventRecord{},
		failures: map[string]int{},
		failErr:  map[string]error{},
	}
}

func (f *fakeCalendarClient) failNext(op string, times int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = times
	f.failErr[op] = err
}

func (f *fakeCalendarClient) scriptedFailure(op string) error {
	if f.failures[op] > 0 {
		f.failures[op]--
		return f.failErr[op]
	}
	return nil
}

func (f *fakeCalendarClient) addEvent(event *EventRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[event.ID] = event
}

func (f *fakeCalendarClient) event(id string) *EventRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id]
}

func (f *fakeCalendarClient) CreateEvent(ctx context.Context, event *EventRecord) (*EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("create"); err != nil {
		return nil, err
	}
	f.createCalls++
	f.nextID++
	stored := *event
	stored.ID = "event-" + strconv.Itoa(f.nextID)
	stored.Status = "confirmed"
	f.events[stored.ID] = &stored
	return &stored, nil
}

func (f *fakeCalendarClient) UpdateEvent(ctx context.Context, eventID string, event *EventRecord) (*EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("update"); err != nil {
		return nil, err
	}
	existing, ok := f.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}
	f.updateCalls++
	updated := *event
	updated.ID = eventID
	updated.Status = existing.Status
	f.events[eventID] = &updated
	return &updated, nil
}

func (f *fakeCalendarClient) DeleteEvent(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("delete"); err != nil {
		return err
	}
	event, ok := f.events[eventID]
	if !ok {
		return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}
	f.deleteCalls++
	event.Status = "cancelled"
	return nil
}

func (f *fakeCalendarClient) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("get"); err != nil {
		return nil, err
	}
	event, ok := f.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}
	return event, nil
}

func (f *fakeCalendarClient) ListEvents(ctx context.Context, updatedSince time.Time) ([]*EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.scriptedFailure("list"); err != nil {
		return nil, err
	}
	var out []*EventRecord
	for _, event := range f.events {
		out = append(out, event)
	}
	return out, nil
}

// standupPage builds a page with the default mapping's title and date
// properties filled in.
func standupPage(id, title string, start time.Time) *PageRecord {
	return &PageRecord{
		ID: id,
		Properties: map[string]PropertyValue{
			"Name": {Kind: KindTitle, Text: title},
			"Date": {Kind: KindDate, Date: &DateValue{Start: start}},
		},
	}
}
