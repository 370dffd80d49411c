package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// NotionTokenProvider yields the integration token for each request, so
// rotation does not require rebuilding the client.
type NotionTokenProvider func(ctx context.Context) (string, error)

type NotionHTTPClientOptions struct {
	BaseURL       string
	TokenProvider NotionTokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
}

// HTTPNotionClient implements NotionClient against the Notion REST API.
// Remote failures come back as *RemoteError so the executor can classify
// and retry them; the client itself performs no retries.
type HTTPNotionClient struct {
	baseURL       string
	tokenProvider NotionTokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
}

func NewHTTPNotionClient(opts NotionHTTPClientOptions) *HTTPNotionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	return &HTTPNotionClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}
}

func (c *HTTPNotionClient) CreatePage(ctx context.Context, databaseID string, props map[string]PropertyValue) (*PageRecord, error) {
	if databaseID == "" {
		return nil, fmt.Errorf("%w: database id required", ErrValidation)
	}
	payload := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": encodeNotionProperties(props),
	}
	var page notionPage
	if err := c.do(ctx, http.MethodPost, "/v1/pages", payload, &page); err != nil {
		return nil, err
	}
	return page.toRecord(), nil
}

func (c *HTTPNotionClient) UpdatePage(ctx context.Context, pageID string, props map[string]PropertyValue) (*PageRecord, error) {
	if pageID == "" {
		return nil, fmt.Errorf("%w: page id required", ErrValidation)
	}
	payload := map[string]any{"properties": encodeNotionProperties(props)}
	var page notionPage
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, payload, &page); err != nil {
		return nil, err
	}
	return page.toRecord(), nil
}

func (c *HTTPNotionClient) ArchivePage(ctx context.Context, pageID string) error {
	if pageID == "" {
		return fmt.Errorf("%w: page id required", ErrValidation)
	}
	payload := map[string]any{"archived": true}
	return c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, payload, nil)
}

func (c *HTTPNotionClient) GetPage(ctx context.Context, pageID string) (*PageRecord, error) {
	if pageID == "" {
		return nil, fmt.Errorf("%w: page id required", ErrValidation)
	}
	var page notionPage
	if err := c.do(ctx, http.MethodGet, "/v1/pages/"+pageID, nil, &page); err != nil {
		return nil, err
	}
	return page.toRecord(), nil
}

func (c *HTTPNotionClient) QueryDatabase(ctx context.Context, databaseID string, updatedSince time.Time) ([]*PageRecord, error) {
	if databaseID == "" {
		return nil, fmt.Errorf("%w: database id required", ErrValidation)
	}
	var records []*PageRecord
	cursor := ""
	for {
		payload := map[string]any{
			"page_size": 100,
			"filter": map[string]any{
				"timestamp": "last_edited_time",
				"last_edited_time": map[string]any{
					"on_or_after": updatedSince.UTC().Format(time.RFC3339),
				},
			},
		}
		if cursor != "" {
			payload["start_cursor"] = cursor
		}
		var result struct {
			Results    []notionPage `json:"results"`
			HasMore    bool         `json:"has_more"`
			NextCursor string       `json:"next_cursor"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/databases/"+databaseID+"/query", payload, &result); err != nil {
			return nil, err
		}
		for i := range result.Results {
			records = append(records, result.Results[i].toRecord())
		}
		if !result.HasMore || result.NextCursor == "" {
			return records, nil
		}
		cursor = result.NextCursor
	}
}

func (c *HTTPNotionClient) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("notion http client is nil")
	}
	if c.tokenProvider == nil {
		return fmt.Errorf("notion token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: notion token is empty", ErrAuth)
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Notion-Version", c.apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RemoteError{System: "notion", Message: err.Error()}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &RemoteError{System: "notion", Message: readErr.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.asError(resp, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode notion response: %w", err)
	}
	return nil
}

func (c *HTTPNotionClient) asError(resp *http.Response, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok && code != "" {
			message = code
		}
		if msg, ok := parsed["message"].(string); ok && strings.TrimSpace(msg) != "" {
			message = strings.TrimSpace(msg)
		}
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: notion: %s", ErrNotFound, message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: notion: %s", ErrAuth, message)
	}
	return &RemoteError{
		System:     "notion",
		StatusCode: resp.StatusCode,
		Message:    message,
		RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// notionPage is the wire shape of a page response, narrowed to the fields
// the engine reads.
type notionPage struct {
	ID             string    `json:"id"`
	Archived       bool      `json:"archived"`
	LastEditedTime time.Time `json:"last_edited_time"`
	Parent         struct {
		DatabaseID string `json:"database_id"`
	} `json:"parent"`
	Properties map[string]json.RawMessage `json:"properties"`
}

func (p *notionPage) toRecord() *PageRecord {
	record := &PageRecord{
		ID:             p.ID,
		DatabaseID:     p.Parent.DatabaseID,
		Archived:       p.Archived,
		LastEditedTime: p.LastEditedTime,
		Properties:     make(map[string]PropertyValue, len(p.Properties)),
	}
	for name, raw := range p.Properties {
		if value, ok := decodeNotionProperty(raw); ok {
			record.Properties[name] = value
		}
	}
	return record
}

func encodeNotionProperties(props map[string]PropertyValue) map[string]any {
	out := make(map[string]any, len(props))
	for name, value := range props {
		switch value.Kind {
		case KindTitle:
			out[name] = map[string]any{"title": richTextPayload(value.Text)}
		case KindRichText:
			out[name] = map[string]any{"rich_text": richTextPayload(value.Text)}
		case KindNumber:
			out[name] = map[string]any{"number": value.Number}
		case KindCheckbox:
			out[name] = map[string]any{"checkbox": value.Checkbox}
		case KindDate:
			if value.Date == nil {
				continue
			}
			date := map[string]any{"start": formatNotionDate(value.Date.Start, value.Date.AllDay)}
			if !value.Date.End.IsZero() {
				date["end"] = formatNotionDate(value.Date.End, value.Date.AllDay)
			}
			out[name] = map[string]any{"date": date}
		}
	}
	return out
}

func richTextPayload(text string) []map[string]any {
	return []map[string]any{{"text": map[string]any{"content": text}}}
}

func formatNotionDate(ts time.Time, allDay bool) string {
	if allDay {
		return ts.Format("2006-01-02")
	}
	return ts.Format(time.RFC3339)
}

func decodeNotionProperty(raw json.RawMessage) (PropertyValue, bool) {
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(raw, &head) != nil {
		return PropertyValue{}, false
	}
	switch head.Type {
	case "title":
		var prop struct {
			Title []notionRichText `json:"title"`
		}
		if json.Unmarshal(raw, &prop) != nil {
			return PropertyValue{}, false
		}
		return PropertyValue{Kind: KindTitle, Text: joinRichText(prop.Title)}, true
	case "rich_text":
		var prop struct {
			RichText []notionRichText `json:"rich_text"`
		}
		if json.Unmarshal(raw, &prop) != nil {
			return PropertyValue{}, false
		}
		return PropertyValue{Kind: KindRichText, Text: joinRichText(prop.RichText)}, true
	case "number":
		var prop struct {
			Number *float64 `json:"number"`
		}
		if json.Unmarshal(raw, &prop) != nil || prop.Number == nil {
			return PropertyValue{}, false
		}
		return PropertyValue{Kind: KindNumber, Number: *prop.Number}, true
	case "checkbox":
		var prop struct {
			Checkbox bool `json:"checkbox"`
		}
		if json.Unmarshal(raw, &prop) != nil {
			return PropertyValue{}, false
		}
		return PropertyValue{Kind: KindCheckbox, Checkbox: prop.Checkbox}, true
	case "date":
		var prop struct {
			Date *struct {
				Start string `json:"start"`
				End   string `json:"end"`
			} `json:"date"`
		}
		if json.Unmarshal(raw, &prop) != nil || prop.Date == nil {
			return PropertyValue{}, false
		}
		date, ok := parseNotionDate(prop.Date.Start, prop.Date.End)
		if !ok {
			return PropertyValue{}, false
		}
		return PropertyValue{Kind: KindDate, Date: date}, true
	}
	return PropertyValue{}, false
}

type notionRichText struct {
	PlainText string `json:"plain_text"`
	Text      struct {
		Content string `json:"content"`
	} `json:"text"`
}

func joinRichText(parts []notionRichText) string {
	var b strings.Builder
	for _, part := range parts {
		if part.PlainText != "" {
			b.WriteString(part.PlainText)
		} else {
			b.WriteString(part.Text.Content)
		}
	}
	return b.String()
}

func parseNotionDate(start, end string) (*DateValue, bool) {
	parse := func(raw string) (time.Time, bool, bool) {
		if raw == "" {
			return time.Time{}, false, true
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts, false, true
		}
		if ts, err := time.Parse("2006-01-02", raw); err == nil {
			return ts, true, true
		}
		return time.Time{}, false, false
	}
	startTS, allDay, ok := parse(start)
	if !ok || startTS.IsZero() {
		return nil, false
	}
	endTS, _, ok := parse(end)
	if !ok {
		return nil, false
	}
	return &DateValue{Start: startTS, End: endTS, AllDay: allDay}, true
}
