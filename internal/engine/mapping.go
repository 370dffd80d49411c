package engine

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// LogicalField names one of the closed set of mappable calendar fields.
// The Notion "status" property is deliberately not part of this set: status
// flips must never look like deletes, so the resolver cannot carry them.
type LogicalField string

const (
	FieldTitle       LogicalField = "title"
	FieldDate        LogicalField = "date"
	FieldDescription LogicalField = "description"
	FieldLocation    LogicalField = "location"
	FieldCrossRef    LogicalField = "cross_reference_id"
	FieldReminders   LogicalField = "reminders"
	FieldAttendees   LogicalField = "attendees"
	FieldOrganizer   LogicalField = "organizer"
	FieldConference  LogicalField = "conference_link"
	FieldRecurrence  LogicalField = "recurrence"
	FieldColor       LogicalField = "color"
	FieldVisibility  LogicalField = "visibility"
)

// FieldConfig is the per-field mapping entry: which Notion property feeds
// the logical field, how to convert it, and whether the field may be
// omitted.
type FieldConfig struct {
	Field          LogicalField `json:"field"`
	Enabled        bool         `json:"enabled"`
	SourceProperty string       `json:"sourceProperty"`
	DisplayLabel   string       `json:"displayLabel,omitempty"`
	PropertyType   PropertyKind `json:"propertyType"`
	Required       bool         `json:"required"`
}

// FieldMapping is the ordered set of field configs. It is snapshotted at
// the start of a sync operation and never mutated during one.
type FieldMapping struct {
	Fields []FieldConfig `json:"fields"`
}

// DefaultMapping enables the minimum viable pairing: title and date, plus
// the cross-reference marker used for loop prevention.
func DefaultMapping() FieldMapping {
	return FieldMapping{Fields: []FieldConfig{
		{Field: FieldTitle, Enabled: true, SourceProperty: "Name", PropertyType: KindTitle, Required: true},
		{Field: FieldDate, Enabled: true, SourceProperty: "Date", PropertyType: KindDate, Required: true},
		{Field: FieldDescription, Enabled: true, SourceProperty: "Description", PropertyType: KindRichText},
		{Field: FieldLocation, Enabled: false, SourceProperty: "Location", PropertyType: KindRichText},
		{Field: FieldCrossRef, Enabled: true, SourceProperty: "Event ID", PropertyType: KindRichText},
	}}
}

// Clone returns an independent copy, so a snapshot taken at operation start
// cannot observe later mapping reloads.
func (m FieldMapping) Clone() FieldMapping {
	fields := make([]FieldConfig, len(m.Fields))
	copy(fields, m.Fields)
	return FieldMapping{Fields: fields}
}

func (m FieldMapping) lookup(field LogicalField) (FieldConfig, bool) {
	for _, cfg := range m.Fields {
		if cfg.Field == field {
			return cfg, cfg.Enabled
		}
	}
	return FieldConfig{}, false
}

// Validate enforces the mapping invariant: title and date enabled with
// non-empty source properties, and no unknown or forbidden fields.
func (m FieldMapping) Validate() error {
	known := map[LogicalField]bool{
		FieldTitle: true, FieldDate: true, FieldDescription: true,
		FieldLocation: true, FieldCrossRef: true, FieldReminders: true,
		FieldAttendees: true, FieldOrganizer: true, FieldConference: true,
		FieldRecurrence: true, FieldColor: true, FieldVisibility: true,
	}
	seen := map[LogicalField]bool{}
	for _, cfg := range m.Fields {
		if !known[cfg.Field] {
			return fmt.Errorf("%w: unknown mapped field %q", ErrValidation, cfg.Field)
		}
		if seen[cfg.Field] {
			return fmt.Errorf("%w: duplicate mapped field %q", ErrValidation, cfg.Field)
		}
		seen[cfg.Field] = true
		if cfg.Enabled && strings.TrimSpace(cfg.SourceProperty) == "" {
			return fmt.Errorf("%w: field %q enabled without a source property", ErrValidation, cfg.Field)
		}
	}
	for _, required := range []LogicalField{FieldTitle, FieldDate} {
		cfg, enabled := m.lookup(required)
		if !enabled || strings.TrimSpace(cfg.SourceProperty) == "" {
			return fmt.Errorf("%w: field %q must be enabled with a source property", ErrValidation, required)
		}
	}
	return nil
}

// ToEventPayload converts a page record into the calendar event shape for
// every enabled field. Disabled fields are left zero so the caller can omit
// them from the remote patch instead of clearing them on the target.
func ToEventPayload(page *PageRecord, mapping FieldMapping) (*EventRecord, error) {
	if page == nil {
		return nil, ErrInvalidInput
	}
	event := &EventRecord{}
	for _, cfg := range mapping.Fields {
		if !cfg.Enabled || cfg.Field == FieldCrossRef {
			continue
		}
		value, ok := page.Properties[cfg.SourceProperty]
		if !ok {
			if cfg.Required {
				return nil, fmt.Errorf("%w: required property %q missing on page %s", ErrValidation, cfg.SourceProperty, page.ID)
			}
			continue
		}
		if err := applyEventField(event, cfg, value); err != nil {
			return nil, err
		}
	}
	if event.Title == "" {
		return nil, fmt.Errorf("%w: page %s resolved to an empty title", ErrValidation, page.ID)
	}
	if event.Start == nil {
		return nil, fmt.Errorf("%w: page %s resolved without a date", ErrValidation, page.ID)
	}
	event.SourcePageID = page.ID
	return event, nil
}

func applyEventField(event *EventRecord, cfg FieldConfig, value PropertyValue) error {
	switch cfg.Field {
	case FieldTitle:
		event.Title = strings.TrimSpace(value.Text)
	case FieldDate:
		if value.Date == nil {
			if cfg.Required {
				return fmt.Errorf("%w: property %q is not a date", ErrValidation, cfg.SourceProperty)
			}
			return nil
		}
		date := *value.Date
		event.Start = &date
	case FieldDescription:
		event.Description = value.Text
	case FieldLocation:
		event.Location = value.Text
	case FieldAttendees:
		event.Attendees = splitList(value.Text)
	case FieldOrganizer:
		event.Organizer = strings.TrimSpace(value.Text)
	case FieldConference:
		event.ConferenceLink = strings.TrimSpace(value.Text)
	case FieldRecurrence:
		event.Recurrence = splitList(value.Text)
	case FieldColor:
		event.ColorID = strings.TrimSpace(value.Text)
	case FieldVisibility:
		event.Visibility = strings.TrimSpace(value.Text)
	case FieldReminders:
		event.Reminders = parseReminders(value)
	}
	return nil
}

// ToPageProperties is the inverse conversion: calendar event to Notion
// property values, keyed by the configured source property names. Only
// enabled fields appear in the result.
func ToPageProperties(event *EventRecord, mapping FieldMapping) (map[string]PropertyValue, error) {
	if event == nil {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(event.Title) == "" {
		return nil, fmt.Errorf("%w: event %s has an empty title", ErrValidation, event.ID)
	}
	if event.Start == nil {
		return nil, fmt.Errorf("%w: event %s has no start date", ErrValidation, event.ID)
	}
	props := map[string]PropertyValue{}
	for _, cfg := range mapping.Fields {
		if !cfg.Enabled {
			continue
		}
		switch cfg.Field {
		case FieldTitle:
			props[cfg.SourceProperty] = PropertyValue{Kind: KindTitle, Text: event.Title}
		case FieldDate:
			date := *event.Start
			props[cfg.SourceProperty] = PropertyValue{Kind: KindDate, Date: &date}
		case FieldDescription:
			if event.Description != "" {
				props[cfg.SourceProperty] = PropertyValue{Kind: cfg.PropertyType, Text: event.Description}
			}
		case FieldLocation:
			if event.Location != "" {
				props[cfg.SourceProperty] = PropertyValue{Kind: cfg.PropertyType, Text: event.Location}
			}
		case FieldCrossRef:
			props[cfg.SourceProperty] = PropertyValue{Kind: KindRichText, Text: event.ID}
		case FieldAttendees:
			if len(event.Attendees) > 0 {
				props[cfg.SourceProperty] = PropertyValue{Kind: KindRichText, Text: strings.Join(event.Attendees, ", ")}
			}
		case FieldOrganizer:
			if event.Organizer != "" {
				props[cfg.SourceProperty] = PropertyValue{Kind: KindRichText, Text: event.Organizer}
			}
		case FieldConference:
			if event.ConferenceLink != "" {
				props[cfg.SourceProperty] = PropertyValue{Kind: KindRichText, Text: event.ConferenceLink}
			}
		case FieldRecurrence:
			if len(event.Recurrence) > 0 {
				props[cfg.SourceProperty] = PropertyValue{Kind: KindRichText, Text: strings.Join(event.Recurrence, ", ")}
			}
		case FieldColor:
			if event.ColorID != "" {
				props[cfg.SourceProperty] = PropertyValue{Kind: KindRichText, Text: event.ColorID}
			}
		case FieldVisibility:
			if event.Visibility != "" {
				props[cfg.SourceProperty] = PropertyValue{Kind: KindRichText, Text: event.Visibility}
			}
		case FieldReminders:
			if len(event.Reminders) > 0 {
				props[cfg.SourceProperty] = PropertyValue{Kind: KindRichText, Text: joinInts(event.Reminders)}
			}
		}
	}
	return props, nil
}

// ContentHash fingerprints the enabled-field values of an event payload so
// the executor can skip writes that would not change the counterpart.
func ContentHash(event *EventRecord) string {
	if event == nil {
		return ""
	}
	parts := []string{event.Title, event.Description, event.Location, event.Organizer, event.ConferenceLink, event.ColorID, event.Visibility}
	if event.Start != nil {
		parts = append(parts, event.Start.Start.UTC().Format(time.RFC3339), event.Start.End.UTC().Format(time.RFC3339), strconv.FormatBool(event.Start.AllDay))
	}
	parts = append(parts, strings.Join(event.Attendees, ","), strings.Join(event.Recurrence, ","), joinInts(event.Reminders))
	return fnvHash(strings.Join(parts, "\x1f"))
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseReminders(value PropertyValue) []int {
	if value.Kind == KindNumber {
		return []int{int(value.Number)}
	}
	parts := splitList(value.Text)
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		if minutes, err := strconv.Atoi(part); err == nil && minutes >= 0 {
			out = append(out, minutes)
		}
	}
	return out
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func fnvHash(input string) string {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(input))
	return strconv.FormatUint(hasher.Sum64(), 16)
}
