package engine

import (
	"time"
)

// SourceSystem identifies which side of the pair a notification or change
// originated from.
type SourceSystem string

const (
	SystemNotion   SourceSystem = "notion"
	SystemCalendar SourceSystem = "calendar"
)

// Direction is the propagation direction of a change, fixed by the system
// that originated the notification.
type Direction string

const (
	DirectionNotionToCalendar Direction = "notion_to_calendar"
	DirectionCalendarToNotion Direction = "calendar_to_notion"
)

// Operation is the semantic change recovered from a notification.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Notification is the tagged union of the two inbound notification shapes.
// Exactly one of Notion or Calendar is set, matching System.
type Notification struct {
	System     SourceSystem
	ReceivedAt time.Time
	Notion     *NotionWebhook
	Calendar   *CalendarPush
}

// NotionWebhook carries the fields of a Notion webhook delivery the engine
// cares about: the event type, the page, and the edit timestamp used for
// delivery-level identity.
type NotionWebhook struct {
	EventType      string         `json:"type"`
	PageID         string         `json:"pageId"`
	DatabaseID     string         `json:"databaseId,omitempty"`
	LastEditedTime string         `json:"lastEditedTime"`
	Properties     map[string]any `json:"properties,omitempty"`
}

// CalendarPush carries a Google push notification. The protocol does not
// name the operation; the classifier must fetch the resource to recover it.
type CalendarPush struct {
	ChannelID     string `json:"channelId"`
	ResourceID    string `json:"resourceId"`
	ResourceState string `json:"resourceState"` // "sync", "exists", "not_exists"
	MessageNumber string `json:"messageNumber"`
	EventID       string `json:"eventId,omitempty"`
}

// ItemRef names the logical item a change applies to. At least one of the
// two identifiers is set; the executor resolves the counterpart through the
// cross-reference store.
type ItemRef struct {
	PageID  string
	EventID string
	Title   string
}

// NormalizedChange is the shared intermediate consumed by the executor,
// regardless of which system produced the change.
type NormalizedChange struct {
	Operation        Operation
	Direction        Direction
	Ref              ItemRef
	WebhookEventType string
	Page             *PageRecord
	Event            *EventRecord
}

// PageRecord is the document-side item shape: a page's identity plus its
// property bag keyed by property name.
type PageRecord struct {
	ID             string
	DatabaseID     string
	Archived       bool
	LastEditedTime time.Time
	Properties     map[string]PropertyValue
}

// PropertyValue holds one Notion property in a conversion-friendly form.
// Kind mirrors the mapping's declared property types.
type PropertyValue struct {
	Kind     PropertyKind
	Text     string
	Number   float64
	Checkbox bool
	Date     *DateValue
}

type PropertyKind string

const (
	KindTitle    PropertyKind = "title"
	KindRichText PropertyKind = "rich_text"
	KindNumber   PropertyKind = "number"
	KindDate     PropertyKind = "date"
	KindCheckbox PropertyKind = "checkbox"
)

// DateValue is a start/end pair; End is zero for point-in-time dates.
// AllDay distinguishes date-only values from timed ones.
type DateValue struct {
	Start  time.Time
	End    time.Time
	AllDay bool
}

// EventRecord is the calendar-side item shape.
type EventRecord struct {
	ID             string
	Status         string // "confirmed", "tentative", "cancelled"
	Title          string
	Description    string
	Location       string
	Start          *DateValue
	Attendees      []string
	Organizer      string
	ConferenceLink string
	Recurrence     []string
	ColorID        string
	Visibility     string
	Reminders      []int
	Updated        time.Time
	// SourcePageID is the cross-reference marker carried in the event's
	// extended properties; empty for externally created events.
	SourcePageID string
}

// SyncStatus is the terminal status of one propagation attempt.
type SyncStatus string

const (
	StatusSuccess SyncStatus = "success"
	StatusFailure SyncStatus = "failure"
)

// SyncLogEntry records one attempted propagation, success or failure.
// Entries are append-only and retained with a rolling cap.
type SyncLogEntry struct {
	ID               string       `json:"id"`
	Timestamp        time.Time    `json:"timestamp"`
	Source           SourceSystem `json:"source"`
	WebhookEventType string       `json:"webhookEventType,omitempty"`
	Operation        Operation    `json:"operation"`
	Direction        Direction    `json:"direction"`
	ItemTitle        string       `json:"itemTitle,omitempty"`
	ItemID           string       `json:"itemId"`
	Status           SyncStatus   `json:"status"`
	Error            string       `json:"error,omitempty"`
	ProcessingTimeMs int64        `json:"processingTimeMs"`
}

// SyncMetrics is derived from the retained log entries over a requested
// window; it is never stored directly.
type SyncMetrics struct {
	Window               string     `json:"window"`
	Successes            int        `json:"successes"`
	Failures             int        `json:"failures"`
	LastNotionToCalendar *time.Time `json:"lastNotionToCalendar,omitempty"`
	LastCalendarToNotion *time.Time `json:"lastCalendarToNotion,omitempty"`
	Healthy              bool       `json:"healthy"`
}

// HistoryState is the lifecycle of the single historical sync run.
type HistoryState string

const (
	HistoryIdle       HistoryState = "idle"
	HistoryRunning    HistoryState = "running"
	HistoryCancelling HistoryState = "cancelling"
	HistoryCancelled  HistoryState = "cancelled"
	HistoryCompleted  HistoryState = "completed"
	HistoryFailed     HistoryState = "failed"
)

// HistoricalSyncProgress tracks the single active (or most recent)
// historical run. Mutated only by the orchestrator.
type HistoricalSyncProgress struct {
	RunID          string       `json:"runId,omitempty"`
	Status         HistoryState `json:"status"`
	DaysRequested  int          `json:"daysRequested,omitempty"`
	ItemsProcessed int          `json:"itemsProcessed"`
	ItemsTotal     int          `json:"itemsTotal"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	FinishedAt     *time.Time   `json:"finishedAt,omitempty"`
	Errors         []string     `json:"errors,omitempty"`
}

// HistoryPreview is the dry-run counts for a requested window.
type HistoryPreview struct {
	Days       int `json:"days"`
	PageCount  int `json:"pageCount"`
	EventCount int `json:"eventCount"`
}

// SyncResult is the executor's terminal outcome for one change.
type SyncResult struct {
	Entry    SyncLogEntry
	Created  bool
	Updated  bool
	Deleted  bool
	Skipped  bool
	Attempts int
}
