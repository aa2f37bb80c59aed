// Package batch accumulates step-record writes for the transition log
// and flushes them to the store in batches, on whichever comes first of
// a size limit or a flush interval. A failed batch falls back to
// per-item writes through the resilience layer.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/quell/internal/incident"
	"github.com/linnemanlabs/quell/internal/resilience"
)

// storeCollaborator is the breaker name per-item fallback writes run under.
const storeCollaborator = "store"

// Hooks lets the caller observe flush behavior for metrics.
type Hooks struct {
	OnFlush func(size int, outcome string)
}

// Config holds the batching thresholds.
type Config struct {
	MaxSize       int
	FlushInterval time.Duration
}

// StepWriter is a thin slice of the workflow store: the one call the
// batcher needs.
type StepWriter interface {
	AppendSteps(ctx context.Context, recs []*incident.StepRecord) error
}

// Batcher buffers step records and flushes them in the background.
type Batcher struct {
	cfg    Config
	writer StepWriter
	exec   *resilience.Executor
	logger log.Logger
	hooks  Hooks

	mu  sync.Mutex
	buf []*incident.StepRecord

	kick chan struct{}
	done chan struct{}
}

// New creates a batcher. Run must be started for flushing to happen.
func New(cfg Config, writer StepWriter, exec *resilience.Executor, logger log.Logger, hooks Hooks) *Batcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Batcher{
		cfg:    cfg,
		writer: writer,
		exec:   exec,
		logger: logger,
		hooks:  hooks,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Append buffers a step record. It never blocks on the store; a full
// buffer just triggers an early flush.
func (b *Batcher) Append(rec *incident.StepRecord) {
	b.mu.Lock()
	b.buf = append(b.buf, rec)
	full := len(b.buf) >= b.cfg.MaxSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes on the interval or on size kicks until ctx is canceled,
// then drains whatever is left.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.kick:
			b.flush(ctx)
		}
	}
}

// Wait blocks until Run has drained and returned.
func (b *Batcher) Wait() { <-b.done }

func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	recs := b.buf
	b.buf = nil
	b.mu.Unlock()

	if len(recs) == 0 {
		return
	}

	err := b.writer.AppendSteps(ctx, recs)
	if err == nil {
		b.observe(len(recs), "ok")
		return
	}
	b.logger.Warn(ctx, "batch flush failed, retrying per item",
		"batch_size", len(recs),
		"error", err.Error(),
	)

	// fall back to per-item writes through retry + breaker
	failed := 0
	for _, rec := range recs {
		rec := rec
		err := b.exec.Do(ctx, storeCollaborator, func(ctx context.Context) error {
			return b.writer.AppendSteps(ctx, []*incident.StepRecord{rec})
		})
		if err != nil {
			failed++
			b.logger.Error(ctx, err, "step record write lost",
				"incident_id", rec.IncidentID,
				"step_id", rec.ID,
			)
		}
	}
	if failed > 0 {
		b.observe(len(recs), "partial")
		return
	}
	b.observe(len(recs), "fallback_ok")
}

func (b *Batcher) observe(size int, outcome string) {
	if b.hooks.OnFlush != nil {
		b.hooks.OnFlush(size, outcome)
	}
}
