package knowledge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/storage"
	"github.com/civica-gov/civica/internal/telemetry"
)

// OutboxStore is the outbox access the worker needs. *storage.DB implements it.
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, limit int, lockFor time.Duration) ([]storage.OutboxEntry, error)
	CompleteOutbox(ctx context.Context, ids []int64) error
	FailOutbox(ctx context.Context, id int64, errMsg string) error
	OutboxDepth(ctx context.Context) (int64, error)
	CleanupDeadLetters(ctx context.Context, olderThan time.Duration) (int64, error)
}

// lockDuration must exceed the per-batch timeout so another worker cannot
// claim entries that are still being processed.
const (
	batchTimeout  = 2 * time.Minute
	lockDuration  = 3 * time.Minute
	deadLetterAge = 7 * 24 * time.Hour
	cleanupEvery  = time.Hour
	drainFallback = 10 * time.Second
)

// Worker polls the knowledge outbox and re-ingests or removes the catalog
// entities it names.
type Worker struct {
	store        OutboxStore
	svc          *Service
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewWorker creates an outbox worker.
func NewWorker(store OutboxStore, svc *Service, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Worker{
		store:        store,
		svc:          svc,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Calls after the first are no-ops.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("knowledge outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop after one final batch and blocks until it
// finishes or ctx expires. Drain on a worker that was never started returns
// immediately.
func (w *Worker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	// Must be sent before cancelLoop so pollLoop receives it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("knowledge outbox: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.ProcessBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), drainFallback)
				w.ProcessBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
			w.ProcessBatch(batchCtx)
			cancel()
		}
	}
}

type sourceKey struct {
	st model.SourceType
	id string
}

// ProcessBatch claims and handles one batch of outbox entries, returning
// how many entries were claimed.
func (w *Worker) ProcessBatch(ctx context.Context) int {
	entries, err := w.store.ClaimOutbox(ctx, w.batchSize, lockDuration)
	if err != nil {
		w.logger.Error("knowledge outbox: claim", "error", err)
		return 0
	}
	if len(entries) == 0 {
		w.maybeCleanup(ctx)
		return 0
	}

	// Collapse repeated entries for one source. Entries arrive oldest
	// first, so the last operation wins.
	var order []sourceKey
	groups := make(map[sourceKey][]storage.OutboxEntry)
	for _, e := range entries {
		k := sourceKey{e.SourceType, e.SourceID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var completed []int64
	for _, k := range order {
		group := groups[k]
		last := group[len(group)-1]

		var err error
		switch last.Operation {
		case storage.OutboxDelete:
			err = w.svc.Remove(ctx, k.st, k.id)
		default:
			_, err = w.svc.IngestSource(ctx, k.st, k.id)
		}
		if err != nil {
			w.fail(ctx, group, err)
			continue
		}
		for _, e := range group {
			completed = append(completed, e.ID)
		}
	}

	if err := w.store.CompleteOutbox(ctx, completed); err != nil {
		w.logger.Error("knowledge outbox: complete entries", "error", err)
	}
	if len(completed) > 0 {
		w.logger.Info("knowledge outbox: processed", "entries", len(completed))
	}
	w.maybeCleanup(ctx)
	return len(entries)
}

func (w *Worker) fail(ctx context.Context, group []storage.OutboxEntry, cause error) {
	w.logger.Warn("knowledge outbox: entry failed",
		"source_type", group[0].SourceType, "source_id", group[0].SourceID, "error", cause)
	for _, e := range group {
		if err := w.store.FailOutbox(ctx, e.ID, cause.Error()); err != nil {
			w.logger.Error("knowledge outbox: record failure", "error", err, "outbox_id", e.ID)
			continue
		}
		if e.Attempts+1 >= storage.MaxOutboxAttempts {
			w.logger.Warn("knowledge outbox: dead-letter entry",
				"outbox_id", e.ID,
				"source_type", e.SourceType,
				"source_id", e.SourceID,
				"operation", e.Operation,
				"attempts", e.Attempts+1,
			)
		}
	}
}

func (w *Worker) maybeCleanup(ctx context.Context) {
	if time.Since(w.lastCleanup) < cleanupEvery {
		return
	}
	w.lastCleanup = time.Now()
	n, err := w.store.CleanupDeadLetters(ctx, deadLetterAge)
	if err != nil {
		w.logger.Error("knowledge outbox: cleanup dead letters", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("knowledge outbox: cleaned dead-letter entries", "deleted", n)
	}
}

func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("civica/outbox")
	_, _ = meter.Int64ObservableGauge("civica.outbox.depth",
		metric.WithDescription("Number of pending entries in the knowledge outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := w.store.OutboxDepth(ctx)
			if err != nil {
				return nil
			}
			o.Observe(n)
			return nil
		}),
	)
}
