package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	activityLogKey     = "activity:log"
	defaultLogCapacity = 500
	subscriberBuffer   = 32
)

// MetricsWindows are the windows the aggregator accepts.
var MetricsWindows = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// ActivityLogger retains the most recent sync log entries in the KV store,
// newest first, and fans each recorded entry out to live subscribers.
type ActivityLogger struct {
	kv       KV
	capacity int
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	subs map[chan SyncLogEntry]struct{}
}

// ActivityLoggerOptions configures an ActivityLogger. Zero values select
// defaults.
type ActivityLoggerOptions struct {
	KV       KV
	Capacity int
	Logger   *slog.Logger
	Clock    func() time.Time
}

func NewActivityLogger(opts ActivityLoggerOptions) *ActivityLogger {
	l := &ActivityLogger{
		kv:       opts.KV,
		capacity: opts.Capacity,
		logger:   opts.Logger,
		now:      opts.Clock,
		subs:     make(map[chan SyncLogEntry]struct{}),
	}
	if l.capacity <= 0 {
		l.capacity = defaultLogCapacity
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Record appends one entry to the retained ring and notifies subscribers.
func (l *ActivityLogger) Record(ctx context.Context, entry SyncLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.loadLocked(ctx)
	if err != nil {
		return err
	}
	entries = append([]SyncLogEntry{entry}, entries...)
	if len(entries) > l.capacity {
		entries = entries[:l.capacity]
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode activity log: %w", err)
	}
	if err := l.kv.Set(ctx, activityLogKey, string(encoded), 0); err != nil {
		return err
	}

	for ch := range l.subs {
		select {
		case ch <- entry:
		default:
			// Slow subscriber, drop rather than block the sync path.
		}
	}
	return nil
}

// RecentLogs returns up to limit entries, newest first. limit <= 0 returns
// everything retained.
func (l *ActivityLogger) RecentLogs(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Metrics aggregates retained entries over the requested window.
func (l *ActivityLogger) Metrics(ctx context.Context, window string) (SyncMetrics, error) {
	span, ok := MetricsWindows[window]
	if !ok {
		return SyncMetrics{}, fmt.Errorf("%w: unknown metrics window %q", ErrValidation, window)
	}

	entries, err := l.RecentLogs(ctx, 0)
	if err != nil {
		return SyncMetrics{}, err
	}

	cutoff := l.now().Add(-span)
	metrics := SyncMetrics{Window: window}
	for _, entry := range entries {
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		switch entry.Status {
		case StatusSuccess:
			metrics.Successes++
			ts := entry.Timestamp
			switch entry.Direction {
			case DirectionNotionToCalendar:
				if metrics.LastNotionToCalendar == nil || ts.After(*metrics.LastNotionToCalendar) {
					metrics.LastNotionToCalendar = &ts
				}
			case DirectionCalendarToNotion:
				if metrics.LastCalendarToNotion == nil || ts.After(*metrics.LastCalendarToNotion) {
					metrics.LastCalendarToNotion = &ts
				}
			}
		case StatusFailure:
			metrics.Failures++
		}
	}
	metrics.Healthy = healthy(metrics.Successes, metrics.Failures)
	return metrics, nil
}

// Subscribe registers a live feed of recorded entries. The returned cancel
// func must be called when the subscriber goes away.
func (l *ActivityLogger) Subscribe() (<-chan SyncLogEntry, func()) {
	ch := make(chan SyncLogEntry, subscriberBuffer)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

func (l *ActivityLogger) loadLocked(ctx context.Context) ([]SyncLogEntry, error) {
	raw, err := l.kv.Get(ctx, activityLogKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var entries []SyncLogEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		l.logger.Warn("activity log corrupted, resetting", "error", err)
		return nil, nil
	}
	return entries, nil
}

// healthy tolerates occasional transient errors: zero failures, or
// successes outnumbering failures at least ten to one.
func healthy(successes, failures int) bool {
	if failures == 0 {
		return true
	}
	return successes >= failures*10
}
