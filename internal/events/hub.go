package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes the Hub. Zero values take the defaults noted per field.
type Config struct {
	// BufferSize is the queue depth between emitters and the batcher (1024).
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events (256).
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch this long after its first event (250ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds one Consume call (10s).
	SinkTimeout time.Duration
	// BaseContext parents every sink call; it should outlive request contexts.
	BaseContext context.Context
	// OnDrop is told the stage of every event lost to a full queue.
	OnDrop func(Stage)
	Logger *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnInterval      = 5 * time.Second
)

// Hub queues dispatch events from claimers, ingesters and the reaper, and
// hands them to sinks in batches from one goroutine. Emit never blocks.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropWarn  rate.Sometimes
	sinceWarn atomic.Int64
	drops     atomic.Int64
	closed    atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub applies defaults, starts the batcher and returns the Hub.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		queue:    make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Named("events"),
		dropWarn: rate.Sometimes{Interval: dropWarnInterval},
	}
	go h.run()
	return h
}

// Emit queues evt. Invalid events are discarded; when the queue is full the
// event is counted as dropped.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.dropped(evt.Stage)
	}
}

func (h *Hub) dropped(stage Stage) {
	h.drops.Add(1)
	h.sinceWarn.Add(1)
	if h.cfg.OnDrop != nil {
		h.cfg.OnDrop(stage)
	}
	h.dropWarn.Do(func() {
		h.logger.Warn("event queue full, dropping events",
			zap.String("stage", string(stage)),
			zap.Int64("dropped", h.sinceWarn.Swap(0)),
		)
	})
}

// Dropped reports how many events were lost to a full queue since start.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.drops.Load()
}

// Close stops intake, delivers what is queued, closes the sinks and waits for
// the batcher. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	// deadline is nil while pending is empty.
	var deadline <-chan time.Time
	for {
		select {
		case evt := <-h.queue:
			pending = append(pending, evt)
			switch {
			case len(pending) >= h.cfg.MaxBatchEvents:
				pending = h.deliver(pending)
				deadline = nil
			case deadline == nil:
				deadline = time.After(h.cfg.MaxBatchWait)
			}
		case <-deadline:
			pending = h.deliver(pending)
			deadline = nil
		case <-h.stop:
			h.shutdown(pending)
			return
		}
	}
}

func (h *Hub) shutdown(pending []Event) {
	for {
		select {
		case evt := <-h.queue:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.deliver(pending)
			}
		default:
			h.deliver(pending)
			h.closeSinks()
			return
		}
	}
}

// deliver hands a copy of batch to every sink and returns batch emptied for reuse.
func (h *Hub) deliver(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("event sink rejected batch",
				zap.Int("events", len(out)),
				zap.String("first_stage", string(out[0].Stage)),
				zap.Error(err),
			)
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}
