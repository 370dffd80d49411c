package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const mappingSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["fields"],
  "properties": {
    "fields": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field", "enabled", "sourceProperty", "propertyType"],
        "properties": {
          "field": {
            "type": "string",
            "enum": ["title", "date", "description", "location", "cross_reference_id", "reminders", "attendees", "organizer", "conference_link", "recurrence", "color", "visibility"]
          },
          "enabled": {"type": "boolean"},
          "sourceProperty": {"type": "string"},
          "displayLabel": {"type": "string"},
          "propertyType": {
            "type": "string",
            "enum": ["title", "rich_text", "number", "date", "checkbox"]
          },
          "required": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	mappingSchemaOnce sync.Once
	mappingSchema     *jsonschema.Schema
	mappingSchemaErr  error
)

func compiledMappingSchema() (*jsonschema.Schema, error) {
	mappingSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(mappingSchemaJSON))
		if err != nil {
			mappingSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("mapping.schema.json", doc); err != nil {
			mappingSchemaErr = err
			return
		}
		mappingSchema, mappingSchemaErr = compiler.Compile("mapping.schema.json")
	})
	return mappingSchema, mappingSchemaErr
}

// MappingSource hands out the current field mapping snapshot. The static
// source wraps a fixed mapping; the file source re-reads its file on change.
type MappingSource interface {
	Snapshot() FieldMapping
}

type StaticMappingSource struct {
	mapping FieldMapping
}

func NewStaticMappingSource(mapping FieldMapping) *StaticMappingSource {
	return &StaticMappingSource{mapping: mapping}
}

func (s *StaticMappingSource) Snapshot() FieldMapping {
	return s.mapping.Clone()
}

// FileMappingSource loads the mapping from a JSON file, validates it
// against the embedded schema plus FieldMapping.Validate, and watches the
// file for rewrites. A write that fails validation keeps the previous
// snapshot active.
type FileMappingSource struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current FieldMapping

	closeOnce sync.Once
	done      chan struct{}
}

func NewFileMappingSource(path string, logger *slog.Logger) (*FileMappingSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	mapping, err := loadMappingFile(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	source := &FileMappingSource{
		path:    path,
		logger:  logger,
		watcher: watcher,
		current: mapping,
		done:    make(chan struct{}),
	}
	go source.watch()
	return source, nil
}

func (s *FileMappingSource) Snapshot() FieldMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

func (s *FileMappingSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})
	return err
}

func (s *FileMappingSource) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			mapping, err := loadMappingFile(s.path)
			if err != nil {
				s.logger.Warn("mapping reload rejected, keeping previous snapshot", "path", s.path, "error", err)
				continue
			}
			s.mu.Lock()
			s.current = mapping
			s.mu.Unlock()
			s.logger.Info("field mapping reloaded", "path", s.path, "fields", len(mapping.Fields))
		case watchErr, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("mapping watcher error", "error", watchErr)
		}
	}
}

func loadMappingFile(path string) (FieldMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FieldMapping{}, err
	}
	schema, err := compiledMappingSchema()
	if err != nil {
		return FieldMapping{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return FieldMapping{}, fmt.Errorf("%w: mapping file is not valid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return FieldMapping{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var mapping FieldMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return FieldMapping{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := mapping.Validate(); err != nil {
		return FieldMapping{}, err
	}
	return mapping, nil
}
