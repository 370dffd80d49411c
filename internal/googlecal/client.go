// Package googlecal implements the calendar side of the sync engine on the
// Google Calendar API.
package googlecal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/syncforge/notioncal/internal/engine"
)

// sourcePageIDKey is the private extended property carrying the linked
// page id on events the engine created.
const sourcePageIDKey = "notioncalPageId"

// ClientOptions configures the calendar client. CalendarID defaults to
// "primary".
type ClientOptions struct {
	CalendarID   string
	ClientID     string
	ClientSecret string
	TokenFile    string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client implements engine.CalendarClient against calendar/v3.
type Client struct {
	service    *calendar.Service
	calendarID string
	logger     *slog.Logger
}

// NewClient builds an authenticated client. OAuth credentials come from
// ClientID/ClientSecret plus a stored token file; tests inject an
// HTTPClient instead.
func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	calendarID := opts.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	var clientOpts []option.ClientOption
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	} else {
		config := &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Scopes:       []string{calendar.CalendarEventsScope},
			Endpoint:     google.Endpoint,
		}
		token, err := tokenFromFile(opts.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("load calendar token: %w", err)
		}
		clientOpts = append(clientOpts, option.WithHTTPClient(config.Client(ctx, token)))
	}

	service, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Client{service: service, calendarID: calendarID, logger: logger}, nil
}

func (c *Client) CreateEvent(ctx context.Context, event *engine.EventRecord) (*engine.EventRecord, error) {
	payload := toGoogleEvent(event)
	created, err := c.service.Events.Insert(c.calendarID, payload).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err)
	}
	c.logger.Debug("calendar event created", "eventId", created.Id, "title", created.Summary)
	return fromGoogleEvent(created), nil
}

func (c *Client) UpdateEvent(ctx context.Context, eventID string, event *engine.EventRecord) (*engine.EventRecord, error) {
	payload := toGoogleEvent(event)
	updated, err := c.service.Events.Patch(c.calendarID, eventID, payload).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err)
	}
	return fromGoogleEvent(updated), nil
}

func (c *Client) DeleteEvent(ctx context.Context, eventID string) error {
	err := c.service.Events.Delete(c.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return mapError(err)
	}
	return nil
}

// GetEvent returns cancelled events with their status intact; a deleted
// event is an observation the classifier needs, not a missing resource.
func (c *Client) GetEvent(ctx context.Context, eventID string) (*engine.EventRecord, error) {
	event, err := c.service.Events.Get(c.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err)
	}
	return fromGoogleEvent(event), nil
}

func (c *Client) ListEvents(ctx context.Context, updatedSince time.Time) ([]*engine.EventRecord, error) {
	var records []*engine.EventRecord
	pageToken := ""
	for {
		call := c.service.Events.List(c.calendarID).
			ShowDeleted(true).
			SingleEvents(false).
			MaxResults(250).
			Context(ctx)
		if !updatedSince.IsZero() {
			call = call.UpdatedMin(updatedSince.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		result, err := call.Do()
		if err != nil {
			return nil, mapError(err)
		}
		for _, item := range result.Items {
			records = append(records, fromGoogleEvent(item))
		}
		if result.NextPageToken == "" {
			return records, nil
		}
		pageToken = result.NextPageToken
	}
}

// Watch opens a push channel delivering calendar change notifications to
// address. The returned channel carries the server-assigned expiry.
func (c *Client) Watch(ctx context.Context, channelID, address string, tokenSecret string) (engine.WatchChannel, error) {
	channel := &calendar.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: address,
		Token:   tokenSecret,
	}
	opened, err := c.service.Events.Watch(c.calendarID, channel).Context(ctx).Do()
	if err != nil {
		return engine.WatchChannel{}, mapError(err)
	}
	registered := engine.WatchChannel{
		ChannelID:  opened.Id,
		ResourceID: opened.ResourceId,
	}
	if opened.Expiration > 0 {
		registered.Expiry = time.UnixMilli(opened.Expiration)
	}
	c.logger.Info("calendar watch channel opened",
		"channelId", registered.ChannelID, "expiry", registered.Expiry)
	return registered, nil
}

// StopWatch closes a push channel.
func (c *Client) StopWatch(ctx context.Context, channelID, resourceID string) error {
	channel := &calendar.Channel{Id: channelID, ResourceId: resourceID}
	if err := c.service.Channels.Stop(channel).Context(ctx).Do(); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError translates googleapi failures onto the engine taxonomy so the
// executor's retry logic applies uniformly across both remote systems.
func mapError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return &engine.RemoteError{System: "calendar", Message: err.Error()}
	}
	switch apiErr.Code {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: calendar: %s", engine.ErrNotFound, apiErr.Message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: calendar: %s", engine.ErrAuth, apiErr.Message)
	}
	remote := &engine.RemoteError{
		System:     "calendar",
		StatusCode: apiErr.Code,
		Message:    apiErr.Message,
	}
	for _, header := range apiErr.Header.Values("Retry-After") {
		if seconds, parseErr := time.ParseDuration(header + "s"); parseErr == nil && seconds > 0 {
			remote.RetryAfter = seconds
			break
		}
	}
	return remote
}

func toGoogleEvent(event *engine.EventRecord) *calendar.Event {
	out := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		ColorId:     event.ColorID,
		Visibility:  event.Visibility,
		Recurrence:  event.Recurrence,
	}
	if event.Start != nil {
		out.Start = toEventDateTime(event.Start.Start, event.Start.AllDay)
		end := event.Start.End
		if end.IsZero() {
			// Google requires an end; default to one hour, or the next day
			// for all-day events.
			if event.Start.AllDay {
				end = event.Start.Start.AddDate(0, 0, 1)
			} else {
				end = event.Start.Start.Add(time.Hour)
			}
		}
		out.End = toEventDateTime(end, event.Start.AllDay)
	}
	for _, email := range event.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{Email: email})
	}
	if len(event.Reminders) > 0 {
		overrides := make([]*calendar.EventReminder, 0, len(event.Reminders))
		for _, minutes := range event.Reminders {
			overrides = append(overrides, &calendar.EventReminder{
				Method:  "popup",
				Minutes: int64(minutes),
			})
		}
		out.Reminders = &calendar.EventReminders{
			UseDefault:      false,
			Overrides:       overrides,
			ForceSendFields: []string{"UseDefault"},
		}
	}
	if event.SourcePageID != "" {
		out.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{sourcePageIDKey: event.SourcePageID},
		}
	}
	return out
}

func fromGoogleEvent(event *calendar.Event) *engine.EventRecord {
	record := &engine.EventRecord{
		ID:             event.Id,
		Status:         event.Status,
		Title:          event.Summary,
		Description:    event.Description,
		Location:       event.Location,
		ColorID:        event.ColorId,
		Visibility:     event.Visibility,
		Recurrence:     event.Recurrence,
		ConferenceLink: event.HangoutLink,
	}
	if event.Updated != "" {
		if ts, err := time.Parse(time.RFC3339, event.Updated); err == nil {
			record.Updated = ts
		}
	}
	if event.Start != nil {
		record.Start = fromEventDateTimes(event.Start, event.End)
	}
	for _, attendee := range event.Attendees {
		if attendee.Email != "" {
			record.Attendees = append(record.Attendees, attendee.Email)
		}
	}
	if event.Organizer != nil {
		record.Organizer = event.Organizer.Email
	}
	if event.Reminders != nil {
		for _, override := range event.Reminders.Overrides {
			record.Reminders = append(record.Reminders, int(override.Minutes))
		}
	}
	if event.ConferenceData != nil {
		for _, entry := range event.ConferenceData.EntryPoints {
			if entry.EntryPointType == "video" && entry.Uri != "" {
				record.ConferenceLink = entry.Uri
				break
			}
		}
	}
	if event.ExtendedProperties != nil {
		record.SourcePageID = event.ExtendedProperties.Private[sourcePageIDKey]
	}
	return record
}

func toEventDateTime(ts time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: ts.Format("2006-01-02")}
	}
	return &calendar.EventDateTime{DateTime: ts.Format(time.RFC3339)}
}

func fromEventDateTimes(start, end *calendar.EventDateTime) *engine.DateValue {
	value := &engine.DateValue{}
	if start.Date != "" {
		value.AllDay = true
		if ts, err := time.Parse("2006-01-02", start.Date); err == nil {
			value.Start = ts
		}
	} else if ts, err := time.Parse(time.RFC3339, start.DateTime); err == nil {
		value.Start = ts
	}
	if end != nil {
		if end.Date != "" {
			if ts, err := time.Parse("2006-01-02", end.Date); err == nil {
				value.End = ts
			}
		} else if ts, err := time.Parse(time.RFC3339, end.DateTime); err == nil {
			value.End = ts
		}
	}
	return value
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	if path == "" {
		path = "token.json"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, err
	}
	return token, nil
}
