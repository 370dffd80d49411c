package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultWorkers       = 4
	defaultQueueCapacity = 256

	watchChannelKey = "watch:channel"

	manualSyncDays = 7
)

// EngineOptions wires the engine's collaborators. Zero values select
// defaults where a default exists; Notion, Calendar and KV are required.
type EngineOptions struct {
	Notion     NotionClient
	Calendar   CalendarClient
	KV         KV
	Mapping    MappingSource
	DatabaseID string

	DeletePolicy DeletePolicy
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration

	Workers        int
	QueueCapacity  int
	LogCapacity    int
	MaxHistoryDays int
	HistoryBatch   int

	Logger *slog.Logger
	Clock  func() time.Time
}

// Engine is the sync core: it owns the dedup gate, classifier, executor,
// cross-reference store, activity log and historical orchestrator, and the
// worker pool that drains inbound notifications.
type Engine struct {
	dedup      *DedupGate
	classifier *Classifier
	executor   *Executor
	links      *LinkStore
	activity   *ActivityLogger
	history    *History
	mapping    MappingSource
	kv         KV
	logger     *slog.Logger
	now        func() time.Time

	queue     chan Notification
	itemLocks [linkStripes]sync.Mutex

	queueCtx    context.Context
	queueCancel context.CancelFunc
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Notion == nil || opts.Calendar == nil || opts.KV == nil {
		return nil, fmt.Errorf("%w: engine requires notion, calendar and kv", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	mapping := opts.Mapping
	if mapping == nil {
		mapping = NewStaticMappingSource(DefaultMapping())
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}

	links := NewLinkStore(opts.KV)
	activity := NewActivityLogger(ActivityLoggerOptions{
		KV:       opts.KV,
		Capacity: opts.LogCapacity,
		Logger:   logger,
		Clock:    clock,
	})
	executor := NewExecutor(ExecutorOptions{
		Notion:       opts.Notion,
		Calendar:     opts.Calendar,
		Links:        links,
		Mapping:      mapping,
		KV:           opts.KV,
		DatabaseID:   opts.DatabaseID,
		DeletePolicy: opts.DeletePolicy,
		MaxAttempts:  opts.MaxAttempts,
		BaseDelay:    opts.BaseDelay,
		MaxDelay:     opts.MaxDelay,
		Logger:       logger,
		Clock:        clock,
	})
	history := NewHistory(HistoryOptions{
		Notion:     opts.Notion,
		Calendar:   opts.Calendar,
		Links:      links,
		Executor:   executor,
		Activity:   activity,
		KV:         opts.KV,
		DatabaseID: opts.DatabaseID,
		MaxDays:    opts.MaxHistoryDays,
		BatchSize:  opts.HistoryBatch,
		Logger:     logger,
		Clock:      clock,
	})

	queueCtx, queueCancel := context.WithCancel(context.Background())
	e := &Engine{
		dedup:       NewDedupGate(opts.KV),
		classifier:  NewClassifier(opts.Notion, opts.Calendar, links, opts.KV),
		executor:    executor,
		links:       links,
		activity:    activity,
		history:     history,
		mapping:     mapping,
		kv:          opts.KV,
		logger:      logger,
		now:         clock,
		queue:       make(chan Notification, capacity),
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
		closed:      make(chan struct{}),
	}

	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer e.wg.Done()
			e.worker()
		}()
	}
	return e, nil
}

// Enqueue accepts a notification for asynchronous processing. It fails
// fast when the engine is shut down or the queue is saturated.
func (e *Engine) Enqueue(n Notification) error {
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = e.now()
	}
	select {
	case <-e.closed:
		return fmt.Errorf("%w: engine closed", ErrInvalidInput)
	default:
	}
	select {
	case e.queue <- n:
		return nil
	default:
		return fmt.Errorf("%w: notification queue full", ErrTransient)
	}
}

// Process handles one notification synchronously: dedup, classify, apply,
// record. Used by the workers and directly by tests.
func (e *Engine) Process(ctx context.Context, n Notification) error {
	pass, err := e.dedup.ShouldProcess(ctx, n)
	if err != nil {
		return err
	}
	if !pass {
		metricDedupDrops.WithLabelValues(string(n.System)).Inc()
		e.logger.Debug("duplicate delivery dropped", "system", string(n.System))
		return nil
	}

	switch n.System {
	case SystemNotion:
		change, err := e.classifier.ClassifyNotion(ctx, n.Notion)
		if err != nil {
			return e.recordClassifyFailure(ctx, n, err)
		}
		return e.applyChange(ctx, change)
	case SystemCalendar:
		changes, err := e.classifier.ClassifyCalendar(ctx, n.Calendar)
		if err != nil {
			return e.recordClassifyFailure(ctx, n, err)
		}
		var firstErr error
		for _, change := range changes {
			if applyErr := e.applyChange(ctx, change); applyErr != nil {
				if firstErr == nil {
					firstErr = applyErr
				}
				continue
			}
			e.classifier.MarkApplied(change.Event)
		}
		e.classifier.AdvanceWatermark(ctx, n.ReceivedAt)
		return firstErr
	default:
		return fmt.Errorf("%w: unknown notification system %q", ErrValidation, n.System)
	}
}

func (e *Engine) applyChange(ctx context.Context, change *NormalizedChange) error {
	if change == nil {
		return nil
	}
	unlock := e.lockItem(change.Ref)
	defer unlock()

	started := e.now()
	result, err := e.executor.Apply(ctx, change)
	if result != nil {
		metricSyncsTotal.WithLabelValues(
			string(change.Direction), string(change.Operation), string(result.Entry.Status)).Inc()
		metricSyncDuration.WithLabelValues(string(change.Direction)).
			Observe(e.now().Sub(started).Seconds())
		if result.Attempts > 1 {
			metricSyncRetries.Add(float64(result.Attempts - 1))
		}
		if recErr := e.activity.Record(ctx, result.Entry); recErr != nil {
			e.logger.Warn("record sync entry failed", "error", recErr)
		}
	}
	return err
}

// recordClassifyFailure logs a failed classification so the notification is
// never silently dropped once past the dedup gate.
func (e *Engine) recordClassifyFailure(ctx context.Context, n Notification, cause error) error {
	entry := SyncLogEntry{
		ID:        uuid.NewString(),
		Timestamp: e.now(),
		Source:    n.System,
		Status:    StatusFailure,
		Error:     cause.Error(),
	}
	switch n.System {
	case SystemNotion:
		if n.Notion != nil {
			entry.ItemID = n.Notion.PageID
			entry.WebhookEventType = n.Notion.EventType
			entry.Direction = DirectionNotionToCalendar
		}
	case SystemCalendar:
		if n.Calendar != nil {
			entry.ItemID = n.Calendar.EventID
			entry.Direction = DirectionCalendarToNotion
		}
	}
	if recErr := e.activity.Record(ctx, entry); recErr != nil {
		e.logger.Warn("record classify failure entry failed", "error", recErr)
	}
	return cause
}

func (e *Engine) worker() {
	for {
		select {
		case <-e.queueCtx.Done():
			return
		case n := <-e.queue:
			if err := e.Process(e.queueCtx, n); err != nil {
				e.logger.Warn("notification processing failed",
					"system", string(n.System), "error", err)
			}
		}
	}
}

// lockItem serializes work per item identity: concurrent deliveries for
// the same page or event apply one at a time, deliveries for different
// items proceed in parallel.
func (e *Engine) lockItem(ref ItemRef) func() {
	id := ref.PageID
	if id == "" {
		id = ref.EventID
	}
	mu := &e.itemLocks[stripeIndex(id)]
	mu.Lock()
	return mu.Unlock
}

// TriggerManualSync starts a short historical run covering recent items.
func (e *Engine) TriggerManualSync(ctx context.Context) (string, error) {
	return e.history.Start(ctx, manualSyncDays)
}

// History exposes the historical orchestrator to the HTTP boundary.
func (e *Engine) History() *History { return e.history }

// Activity exposes the activity logger to the HTTP boundary.
func (e *Engine) Activity() *ActivityLogger { return e.activity }

// Links exposes the cross-reference store.
func (e *Engine) Links() *LinkStore { return e.links }

// StatusSummary is the health payload served to external status checks.
type StatusSummary struct {
	Healthy              bool                   `json:"healthy"`
	Successes            int                    `json:"successes"`
	Failures             int                    `json:"failures"`
	LastNotionToCalendar *time.Time             `json:"lastNotionToCalendar,omitempty"`
	LastCalendarToNotion *time.Time             `json:"lastCalendarToNotion,omitempty"`
	History              HistoricalSyncProgress `json:"history"`
}

// Status summarizes engine health over the last 24 hours.
func (e *Engine) Status(ctx context.Context) (StatusSummary, error) {
	metrics, err := e.activity.Metrics(ctx, "24h")
	if err != nil {
		return StatusSummary{}, err
	}
	return StatusSummary{
		Healthy:              metrics.Healthy,
		Successes:            metrics.Successes,
		Failures:             metrics.Failures,
		LastNotionToCalendar: metrics.LastNotionToCalendar,
		LastCalendarToNotion: metrics.LastCalendarToNotion,
		History:              e.history.Progress(),
	}, nil
}

// WatchChannel is the recorded Google push channel registration.
type WatchChannel struct {
	ChannelID  string    `json:"channelId"`
	ResourceID string    `json:"resourceId"`
	Expiry     time.Time `json:"expiry"`
}

// RegisterWatchChannel records the active push channel. The httpapi layer
// uses it to authenticate inbound calendar pushes by channel id.
func (e *Engine) RegisterWatchChannel(ctx context.Context, ch WatchChannel) error {
	if ch.ChannelID == "" {
		return fmt.Errorf("%w: watch channel id required", ErrValidation)
	}
	encoded, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	ttl := time.Duration(0)
	if !ch.Expiry.IsZero() {
		ttl = ch.Expiry.Sub(e.now())
		if ttl <= 0 {
			return fmt.Errorf("%w: watch channel already expired", ErrValidation)
		}
	}
	return e.kv.Set(ctx, watchChannelKey, string(encoded), ttl)
}

// ActiveWatchChannel returns the recorded channel, or ErrNotFound when no
// channel is registered or the registration has expired.
func (e *Engine) ActiveWatchChannel(ctx context.Context) (WatchChannel, error) {
	raw, err := e.kv.Get(ctx, watchChannelKey)
	if err != nil {
		return WatchChannel{}, err
	}
	var ch WatchChannel
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return WatchChannel{}, fmt.Errorf("decode watch channel: %w", err)
	}
	return ch, nil
}

// VerifyCalendarChannel reports whether a push names the registered
// channel. With no registration recorded, any channel is accepted so a
// fresh deployment can receive its first push.
func (e *Engine) VerifyCalendarChannel(ctx context.Context, channelID string) bool {
	ch, err := e.ActiveWatchChannel(ctx)
	if errors.Is(err, ErrNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return ch.ChannelID == channelID
}

// Close drains the workers and shuts down owned components. Safe to call
// more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.queueCancel()
		e.history.Shutdown()
		if closer, ok := e.mapping.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		e.wg.Wait()
	})
}
