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
	historyProgressKey = "history:progress"

	defaultMaxHistoryDays   = 365
	defaultHistoryBatchSize = 25
)

// HistoryOptions configures the orchestrator. Zero values select defaults.
type HistoryOptions struct {
	Notion     NotionClient
	Calendar   CalendarClient
	Links      *LinkStore
	Executor   *Executor
	Activity   *ActivityLogger
	KV         KV
	DatabaseID string
	MaxDays    int
	BatchSize  int
	Logger     *slog.Logger
	Clock      func() time.Time
}

// History runs at most one historical backfill at a time. A run scans both
// systems over the requested window and routes every item through the same
// executor path as live webhook traffic.
type History struct {
	notion     NotionClient
	calendar   CalendarClient
	links      *LinkStore
	executor   *Executor
	activity   *ActivityLogger
	kv         KV
	databaseID string
	maxDays    int
	batchSize  int
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	progress HistoricalSyncProgress
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

func NewHistory(opts HistoryOptions) *History {
	h := &History{
		notion:     opts.Notion,
		calendar:   opts.Calendar,
		links:      opts.Links,
		executor:   opts.Executor,
		activity:   opts.Activity,
		kv:         opts.KV,
		databaseID: opts.DatabaseID,
		maxDays:    opts.MaxDays,
		batchSize:  opts.BatchSize,
		logger:     opts.Logger,
		now:        opts.Clock,
		progress:   HistoricalSyncProgress{Status: HistoryIdle},
	}
	if h.maxDays <= 0 {
		h.maxDays = defaultMaxHistoryDays
	}
	if h.batchSize <= 0 {
		h.batchSize = defaultHistoryBatchSize
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *History) validateDays(days int) error {
	if days <= 0 {
		return fmt.Errorf("%w: days must be positive, got %d", ErrValidation, days)
	}
	if days > h.maxDays {
		return fmt.Errorf("%w: days %d exceeds maximum %d", ErrValidation, days, h.maxDays)
	}
	return nil
}

// Preview counts the items a run over the window would touch, without
// writing anything.
func (h *History) Preview(ctx context.Context, days int) (HistoryPreview, error) {
	if err := h.validateDays(days); err != nil {
		return HistoryPreview{}, err
	}
	since := h.now().AddDate(0, 0, -days)

	pages, err := h.notion.QueryDatabase(ctx, h.databaseID, since)
	if err != nil {
		return HistoryPreview{}, err
	}
	events, err := h.calendar.ListEvents(ctx, since)
	if err != nil {
		return HistoryPreview{}, err
	}
	return HistoryPreview{Days: days, PageCount: len(pages), EventCount: len(events)}, nil
}

// Start begins a run. Exactly one run may be active; a second Start is
// rejected with a concurrency error and leaves the first untouched.
func (h *History) Start(ctx context.Context, days int) (string, error) {
	if err := h.validateDays(days); err != nil {
		return "", err
	}

	h.mu.Lock()
	if h.progress.Status == HistoryRunning || h.progress.Status == HistoryCancelling {
		h.mu.Unlock()
		return "", fmt.Errorf("%w: historical sync already running", ErrConcurrency)
	}
	runID := uuid.NewString()
	started := h.now()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancelFn = cancel
	h.progress = HistoricalSyncProgress{
		RunID:         runID,
		Status:        HistoryRunning,
		DaysRequested: days,
		StartedAt:     &started,
	}
	h.persistLocked(runCtx)
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		h.run(runCtx, days)
	}()
	return runID, nil
}

// Cancel requests a cooperative stop. The flag is checked between batches,
// so the run halts after its current batch finishes. Cancel on an idle
// orchestrator is a no-op.
func (h *History) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.progress.Status != HistoryRunning {
		return
	}
	h.progress.Status = HistoryCancelling
	h.persistLocked(context.Background())
}

// Shutdown aborts any in-flight run immediately and waits for it to exit.
func (h *History) Shutdown() {
	h.mu.Lock()
	if h.progress.Status == HistoryRunning {
		h.progress.Status = HistoryCancelling
	}
	if h.cancelFn != nil {
		h.cancelFn()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Progress returns a copy of the current run state.
func (h *History) Progress() HistoricalSyncProgress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress.clone()
}

// Reset clears a finished run back to idle. Resetting a live run fails.
func (h *History) Reset(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.progress.Status == HistoryRunning || h.progress.Status == HistoryCancelling {
		return fmt.Errorf("%w: cannot reset a running historical sync", ErrConcurrency)
	}
	h.progress = HistoricalSyncProgress{Status: HistoryIdle}
	h.persistLocked(ctx)
	return nil
}

// Wait blocks until the active run (if any) has finished. Used at shutdown.
func (h *History) Wait() {
	h.wg.Wait()
}

func (h *History) run(ctx context.Context, days int) {
	since := h.now().AddDate(0, 0, -days)

	pages, err := h.notion.QueryDatabase(ctx, h.databaseID, since)
	if err != nil {
		h.finish(HistoryFailed, fmt.Sprintf("query pages: %v", err))
		return
	}
	events, err := h.calendar.ListEvents(ctx, since)
	if err != nil {
		h.finish(HistoryFailed, fmt.Sprintf("list events: %v", err))
		return
	}

	changes := make([]*NormalizedChange, 0, len(pages)+len(events))
	scanned := make(map[string]struct{}, len(pages))
	for _, page := range pages {
		change, skip := h.pageChange(page)
		if !skip {
			scanned[page.ID] = struct{}{}
			changes = append(changes, change)
		}
	}
	for _, event := range events {
		change, err := h.eventChange(ctx, event, scanned)
		if err != nil {
			h.finish(HistoryFailed, fmt.Sprintf("classify event %s: %v", event.ID, err))
			return
		}
		if change != nil {
			changes = append(changes, change)
		}
	}

	h.mu.Lock()
	h.progress.ItemsTotal = len(changes)
	h.persistLocked(ctx)
	h.mu.Unlock()

	for start := 0; start < len(changes); start += h.batchSize {
		if h.cancelled() {
			h.finish(HistoryCancelled, "")
			return
		}
		end := start + h.batchSize
		if end > len(changes) {
			end = len(changes)
		}
		for _, change := range changes[start:end] {
			result, applyErr := h.executor.Apply(ctx, change)
			if result != nil {
				if recErr := h.activity.Record(ctx, result.Entry); recErr != nil {
					h.logger.Warn("record history entry failed", "error", recErr)
				}
			}
			if applyErr != nil {
				h.addError(fmt.Sprintf("%s %s: %v", change.Operation, change.Ref.PageID+change.Ref.EventID, applyErr))
			}
			metricHistoryItems.Inc()
		}
		h.mu.Lock()
		h.progress.ItemsProcessed = end
		h.persistLocked(ctx)
		h.mu.Unlock()
	}

	if h.cancelled() {
		h.finish(HistoryCancelled, "")
		return
	}
	h.finish(HistoryCompleted, "")
}

func (h *History) pageChange(page *PageRecord) (*NormalizedChange, bool) {
	if page == nil || page.Archived {
		return nil, true
	}
	return &NormalizedChange{
		Operation: OpUpdate, // downgrades to create when no link exists
		Direction: DirectionNotionToCalendar,
		Ref:       ItemRef{PageID: page.ID, Title: pageTitle(page)},
		Page:      page,
	}, false
}

func (h *History) eventChange(ctx context.Context, event *EventRecord, scannedPages map[string]struct{}) (*NormalizedChange, error) {
	if event == nil || event.ID == "" {
		return nil, nil
	}
	change := &NormalizedChange{
		Direction: DirectionCalendarToNotion,
		Ref:       ItemRef{EventID: event.ID, Title: event.Title},
		Event:     event,
	}
	if event.Status == "cancelled" {
		_, err := h.links.PageForEvent(ctx, event.ID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil // never synced, nothing to delete
		}
		if err != nil {
			return nil, err
		}
		change.Operation = OpDelete
		return change, nil
	}
	if event.SourcePageID != "" {
		if _, ok := scannedPages[event.SourcePageID]; ok {
			// The page side of the run covers this pair.
			return nil, nil
		}
		// The counterpart page was last edited outside the window, so only
		// the event side carries it into the run.
		change.Operation = OpUpdate
		change.Ref.PageID = event.SourcePageID
		return change, nil
	}
	change.Operation = OpUpdate
	return change, nil
}

func (h *History) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress.Status == HistoryCancelling
}

func (h *History) addError(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress.Errors = append(h.progress.Errors, msg)
}

func (h *History) finish(state HistoryState, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	finished := h.now()
	h.progress.Status = state
	h.progress.FinishedAt = &finished
	if errMsg != "" {
		h.progress.Errors = append(h.progress.Errors, errMsg)
	}
	h.cancelFn = nil
	h.persistLocked(context.Background())
	metricHistoryRuns.WithLabelValues(string(state)).Inc()
	h.logger.Info("historical sync finished",
		"state", string(state),
		"processed", h.progress.ItemsProcessed,
		"total", h.progress.ItemsTotal,
		"errors", len(h.progress.Errors))
}

// persistLocked mirrors progress into the KV store so status survives a
// restart. Callers hold h.mu.
func (h *History) persistLocked(ctx context.Context) {
	encoded, err := json.Marshal(h.progress)
	if err != nil {
		return
	}
	if err := h.kv.Set(ctx, historyProgressKey, string(encoded), 0); err != nil {
		h.logger.Warn("persist history progress failed", "error", err)
	}
}

func (p HistoricalSyncProgress) clone() HistoricalSyncProgress {
	out := p
	if p.Errors != nil {
		out.Errors = append([]string(nil), p.Errors...)
	}
	return out
}
