package engine

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validMappingJSON = `{
  "fields": [
    {"field": "title", "enabled": true, "sourceProperty": "Task", "propertyType": "title", "required": true},
    {"field": "date", "enabled": true, "sourceProperty": "When", "propertyType": "date", "required": true},
    {"field": "location", "enabled": true, "sourceProperty": "Where", "propertyType": "rich_text"}
  ]
}`

func writeMappingFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "mapping.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write mapping file: %v", err)
	}
	return path
}

func TestFileMappingSourceLoadsValidFile(t *testing.T) {
	path := writeMappingFile(t, t.TempDir(), validMappingJSON)
	source, err := NewFileMappingSource(path, slog.Default())
	if err != nil {
		t.Fatalf("new source failed: %v", err)
	}
	defer source.Close()

	mapping := source.Snapshot()
	if len(mapping.Fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(mapping.Fields))
	}
	cfg, enabled := mapping.lookup(FieldTitle)
	if !enabled || cfg.SourceProperty != "Task" {
		t.Fatalf("title config wrong: %+v", cfg)
	}
}

func TestFileMappingSourceRejectsSchemaViolation(t *testing.T) {
	path := writeMappingFile(t, t.TempDir(), `{"fields": [{"field": "status", "enabled": true, "sourceProperty": "S", "propertyType": "rich_text"}]}`)
	_, err := NewFileMappingSource(path, slog.Default())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("schema violation should fail, got %v", err)
	}
}

func TestFileMappingSourceRejectsMissingRequiredField(t *testing.T) {
	// Schema-valid but semantically invalid: no date field enabled.
	path := writeMappingFile(t, t.TempDir(), `{
  "fields": [
    {"field": "title", "enabled": true, "sourceProperty": "Task", "propertyType": "title"}
  ]
}`)
	_, err := NewFileMappingSource(path, slog.Default())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("mapping without date should fail, got %v", err)
	}
}

func TestFileMappingSourceKeepsSnapshotOnBadRewrite(t *testing.T) {
	dir := t.TempDir()
	path := writeMappingFile(t, dir, validMappingJSON)
	source, err := NewFileMappingSource(path, slog.Default())
	if err != nil {
		t.Fatalf("new source failed: %v", err)
	}
	defer source.Close()

	if err := os.WriteFile(path, []byte(`{"fields": "broken"}`), 0o644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	// The watcher rejects the broken write asynchronously; the snapshot
	// must keep serving the previous mapping throughout.
	deadline := time.After(2 * time.Second)
	for {
		mapping := source.Snapshot()
		if len(mapping.Fields) != 3 {
			t.Fatalf("bad rewrite replaced the snapshot: %d fields", len(mapping.Fields))
		}
		select {
		case <-deadline:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestFileMappingSourceReloadsValidRewrite(t *testing.T) {
	dir := t.TempDir()
	path := writeMappingFile(t, dir, validMappingJSON)
	source, err := NewFileMappingSource(path, slog.Default())
	if err != nil {
		t.Fatalf("new source failed: %v", err)
	}
	defer source.Close()

	rewritten := `{
  "fields": [
    {"field": "title", "enabled": true, "sourceProperty": "Summary", "propertyType": "title", "required": true},
    {"field": "date", "enabled": true, "sourceProperty": "When", "propertyType": "date", "required": true}
  ]
}`
	if err := os.WriteFile(path, []byte(rewritten), 0o644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		cfg, _ := source.Snapshot().lookup(FieldTitle)
		if cfg.SourceProperty == "Summary" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("valid rewrite never picked up, title source still %q", cfg.SourceProperty)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
