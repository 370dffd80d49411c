package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func staticToken(token string) NotionTokenProvider {
	return func(ctx context.Context) (string, error) { return token, nil }
}

func notionPageJSON(id string) string {
	return `{
		"id": "` + id + `",
		"archived": false,
		"last_edited_time": "2026-05-04T10:00:00.000Z",
		"parent": {"database_id": "db-1"},
		"properties": {
			"Name": {"type": "title", "title": [{"plain_text": "Standup"}]},
			"Date": {"type": "date", "date": {"start": "2026-05-04T10:00:00Z", "end": ""}},
			"Done": {"type": "checkbox", "checkbox": true},
			"Priority": {"type": "number", "number": 2}
		}
	}`
}

func TestNotionClientGetPageDecodesProperties(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/pages/page-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("missing bearer token: %q", got)
		}
		if got := r.Header.Get("Notion-Version"); got == "" {
			t.Error("missing Notion-Version header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(notionPageJSON("page-1")))
	}))
	defer server.Close()

	client := NewHTTPNotionClient(NotionHTTPClientOptions{
		BaseURL:       server.URL,
		TokenProvider: staticToken("secret"),
	})
	page, err := client.GetPage(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("get page failed: %v", err)
	}
	if page.ID != "page-1" || page.DatabaseID != "db-1" {
		t.Fatalf("identity wrong: %+v", page)
	}
	if page.Properties["Name"].Text != "Standup" {
		t.Fatalf("title not decoded: %+v", page.Properties["Name"])
	}
	date := page.Properties["Date"]
	if date.Kind != KindDate || date.Date == nil || date.Date.AllDay {
		t.Fatalf("date not decoded: %+v", date)
	}
	if !page.Properties["Done"].Checkbox || page.Properties["Priority"].Number != 2 {
		t.Fatalf("scalar properties not decoded: %+v", page.Properties)
	}
}

func TestNotionClientCreatePageEncodesProperties(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/pages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(notionPageJSON("page-new")))
	}))
	defer server.Close()

	client := NewHTTPNotionClient(NotionHTTPClientOptions{
		BaseURL:       server.URL,
		TokenProvider: staticToken("secret"),
	})
	props := map[string]PropertyValue{
		"Name": {Kind: KindTitle, Text: "Standup"},
		"Date": {Kind: KindDate, Date: &DateValue{Start: time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), AllDay: true}},
	}
	page, err := client.CreatePage(context.Background(), "db-1", props)
	if err != nil {
		t.Fatalf("create page failed: %v", err)
	}
	if page.ID != "page-new" {
		t.Fatalf("response not decoded: %+v", page)
	}

	parent, _ := captured["parent"].(map[string]any)
	if parent["database_id"] != "db-1" {
		t.Fatalf("parent wrong: %+v", captured["parent"])
	}
	sent, _ := captured["properties"].(map[string]any)
	title, _ := sent["Name"].(map[string]any)
	if title["title"] == nil {
		t.Fatalf("title property not encoded: %+v", sent)
	}
	dateProp, _ := sent["Date"].(map[string]any)
	dateBody, _ := dateProp["date"].(map[string]any)
	if dateBody["start"] != "2026-05-04" {
		t.Fatalf("all-day date should use date-only format, got %+v", dateBody)
	}
}

func TestNotionClientArchivePage(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/v1/pages/page-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewHTTPNotionClient(NotionHTTPClientOptions{
		BaseURL:       server.URL,
		TokenProvider: staticToken("secret"),
	})
	if err := client.ArchivePage(context.Background(), "page-1"); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if captured["archived"] != true {
		t.Fatalf("archive payload wrong: %+v", captured)
	}
}

func TestNotionClientMapsErrorStatuses(t *testing.T) {
	status := http.StatusNotFound
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code": "test_code", "message": "test message"}`))
	}))
	defer server.Close()

	client := NewHTTPNotionClient(NotionHTTPClientOptions{
		BaseURL:       server.URL,
		TokenProvider: staticToken("secret"),
	})
	ctx := context.Background()

	if _, err := client.GetPage(ctx, "page-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("404 should map to not-found, got %v", err)
	}

	status = http.StatusUnauthorized
	if _, err := client.GetPage(ctx, "page-1"); !errors.Is(err, ErrAuth) {
		t.Fatalf("401 should map to auth, got %v", err)
	}

	status = http.StatusTooManyRequests
	_, err := client.GetPage(ctx, "page-1")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("429 should map to remote error, got %v", err)
	}
	if remote.StatusCode != http.StatusTooManyRequests || remote.RetryAfter != 7*time.Second {
		t.Fatalf("retry hint not parsed: %+v", remote)
	}
	if !IsRetryable(err) {
		t.Fatal("429 must be retryable")
	}

	status = http.StatusBadRequest
	_, err = client.GetPage(ctx, "page-1")
	if !errors.As(err, &remote) || IsRetryable(err) {
		t.Fatalf("400 must be terminal, got %v", err)
	}
	if remote.Message != "test message" {
		t.Fatalf("error body not surfaced: %+v", remote)
	}
}

func TestNotionClientQueryDatabasePagination(t *testing.T) {
	call := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/databases/db-1/query" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		call++
		switch call {
		case 1:
			if body["start_cursor"] != nil {
				t.Errorf("first request must not carry a cursor: %+v", body)
			}
			_, _ = w.Write([]byte(`{"results": [` + notionPageJSON("page-1") + `], "has_more": true, "next_cursor": "cur-2"}`))
		case 2:
			if body["start_cursor"] != "cur-2" {
				t.Errorf("second request missing cursor: %+v", body)
			}
			_, _ = w.Write([]byte(`{"results": [` + notionPageJSON("page-2") + `], "has_more": false, "next_cursor": ""}`))
		default:
			t.Errorf("unexpected extra request %d", call)
		}
	}))
	defer server.Close()

	client := NewHTTPNotionClient(NotionHTTPClientOptions{
		BaseURL:       server.URL,
		TokenProvider: staticToken("secret"),
	})
	pages, err := client.QueryDatabase(context.Background(), "db-1", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(pages) != 2 || pages[0].ID != "page-1" || pages[1].ID != "page-2" {
		t.Fatalf("pagination wrong: %+v", pages)
	}
}

func TestNotionClientRequiresToken(t *testing.T) {
	client := NewHTTPNotionClient(NotionHTTPClientOptions{
		BaseURL:       "http://localhost:1",
		TokenProvider: staticToken(""),
	})
	if _, err := client.GetPage(context.Background(), "page-1"); !errors.Is(err, ErrAuth) {
		t.Fatalf("empty token should fail auth, got %v", err)
	}
}

func TestParseNotionDateShapes(t *testing.T) {
	timed, ok := parseNotionDate("2026-05-04T10:00:00Z", "2026-05-04T11:00:00Z")
	if !ok || timed.AllDay || timed.End.IsZero() {
		t.Fatalf("timed range wrong: %+v %v", timed, ok)
	}
	allDay, ok := parseNotionDate("2026-05-04", "")
	if !ok || !allDay.AllDay || !allDay.End.IsZero() {
		t.Fatalf("all-day wrong: %+v %v", allDay, ok)
	}
	if _, ok := parseNotionDate("", ""); ok {
		t.Fatal("empty start must not parse")
	}
	if _, ok := parseNotionDate("yesterday", ""); ok {
		t.Fatal("garbage must not parse")
	}
}
