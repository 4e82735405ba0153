package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/provara/provara/internal/chain"
	"github.com/provara/provara/internal/metrics"
)

const (
	// DefaultInterval is how often streams are swept for checkpointing.
	DefaultInterval = 5 * time.Minute
	// DefaultBatchSize checkpoints a stream early once this many events
	// accumulated since the last checkpoint.
	DefaultBatchSize = 256

	anchorRetryInterval = 30 * time.Second
)

// Runner creates checkpoints per stream on a fixed interval or after
// enough new events, and retries anchoring for checkpoints persisted while
// the authority was unreachable. It only reads committed events and never
// blocks ingestion.
type Runner struct {
	chain     *chain.Store
	store     *Store
	anchorer  Anchorer
	interval  time.Duration
	batchSize int64
	streams   func(ctx context.Context) ([]string, error)
	notify    chan string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

// WithInterval overrides the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize overrides the early-checkpoint event count.
func WithBatchSize(n int64) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics wires checkpoint counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a Runner. streams enumerates the stream keys to sweep,
// typically the store's full stream list.
func NewRunner(ch *chain.Store, st *Store, anchorer Anchorer, streams func(ctx context.Context) ([]string, error), opts ...Option) *Runner {
	r := &Runner{
		chain:     ch,
		store:     st,
		anchorer:  anchorer,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		streams:   streams,
		notify:    make(chan string, 64),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	sweep := time.NewTicker(r.interval)
	defer sweep.Stop()
	anchor := time.NewTicker(anchorRetryInterval)
	defer anchor.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case stream := <-r.notify:
			r.maybeCheckpoint(ctx, stream)
		case <-sweep.C:
			r.Sweep(ctx)
		case <-anchor.C:
			r.retryAnchors(ctx)
		}
	}
}

// Sweep checkpoints every stream with a non-empty pending window. The
// interval trigger ignores the batch threshold; the event-count trigger
// runs off Notify signals.
func (r *Runner) Sweep(ctx context.Context) {
	streams, err := r.streams(ctx)
	if err != nil {
		r.logger.Error("checkpoint sweep: list streams", "error", err)
		return
	}
	for _, stream := range streams {
		if _, err := r.CheckpointStream(ctx, stream); err != nil {
			r.logger.Error("checkpoint failed", "stream", stream, "error", err)
		}
	}
}

// CheckpointStream checkpoints everything appended since the previous
// checkpoint, keeping ranges contiguous. It returns (nil, nil) when the
// window is empty.
func (r *Runner) CheckpointStream(ctx context.Context, stream string) (*Checkpoint, error) {
	tail, _, err := r.chain.Tail(ctx, stream)
	if err != nil {
		return nil, err
	}

	from := int64(1)
	if last, err := r.store.Latest(ctx, stream); err != nil {
		return nil, err
	} else if last != nil {
		from = last.ToSeq + 1
	}

	if tail-from+1 <= 0 {
		return nil, nil
	}
	return r.Checkpoint(ctx, stream, from, tail)
}

// Notify signals that stream gained an event, so heavily written streams
// checkpoint before the next interval tick. It never blocks the caller:
// when the signal buffer is full the next sweep covers the stream anyway.
func (r *Runner) Notify(_ context.Context, stream string) {
	select {
	case r.notify <- stream:
	default:
	}
}

// maybeCheckpoint applies the event-count trigger for one stream. It runs
// on the Run goroutine so slow anchoring never stalls appenders.
func (r *Runner) maybeCheckpoint(ctx context.Context, stream string) {
	tail, _, err := r.chain.Tail(ctx, stream)
	if err != nil {
		return
	}
	from := int64(1)
	if last, err := r.store.Latest(ctx, stream); err != nil {
		return
	} else if last != nil {
		from = last.ToSeq + 1
	}
	if tail-from+1 >= r.batchSize {
		if _, err := r.Checkpoint(ctx, stream, from, tail); err != nil {
			r.logger.Error("checkpoint failed", "stream", stream, "error", err)
		}
	}
}

// Checkpoint roots [from, to] of a stream and persists the result. When the
// anchoring authority is unreachable the checkpoint is stored unanchored
// and picked up by the retry loop; that is never fatal.
func (r *Runner) Checkpoint(ctx context.Context, stream string, from, to int64) (*Checkpoint, error) {
	hashes, err := r.chain.Hashes(ctx, stream, from, to)
	if err != nil {
		return nil, err
	}
	if int64(len(hashes)) != to-from+1 {
		return nil, fmt.Errorf("checkpoint: stream %q has %d events in [%d,%d], want %d",
			stream, len(hashes), from, to, to-from+1)
	}

	root, err := MerkleRoot(hashes)
	if err != nil {
		return nil, err
	}

	c := &Checkpoint{
		Stream:    stream,
		FromSeq:   from,
		ToSeq:     to,
		Root:      root,
		CreatedAt: time.Now().UTC(),
	}

	if receipt, err := r.anchorer.Anchor(ctx, root); err != nil {
		r.logger.Warn("anchoring unavailable, checkpoint persisted unanchored",
			"stream", stream, "root", root, "error", err)
	} else {
		now := time.Now().UTC()
		c.Receipt = receipt
		c.AnchoredAt = &now
	}

	if err := r.store.Insert(ctx, c); err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.CheckpointsCreated.Inc()
		if !c.Anchored() {
			r.updateUnanchoredGauge(ctx)
		}
	}
	r.logger.Info("checkpoint created",
		"stream", stream, "from_seq", from, "to_seq", to, "anchored", c.Anchored())
	return c, nil
}

// retryAnchors re-attempts anchoring for checkpoints persisted without a
// receipt, oldest first.
func (r *Runner) retryAnchors(ctx context.Context) {
	pending, err := r.store.Unanchored(ctx)
	if err != nil {
		r.logger.Error("anchor retry: list unanchored", "error", err)
		return
	}
	for _, c := range pending {
		receipt, err := r.anchorer.Anchor(ctx, c.Root)
		if err != nil {
			// Still down; back off until the next tick.
			return
		}
		if err := r.store.SetReceipt(ctx, c.Stream, c.FromSeq, receipt, time.Now().UTC()); err != nil {
			r.logger.Error("anchor retry: persist receipt", "stream", c.Stream, "error", err)
			return
		}
		r.logger.Info("checkpoint anchored", "stream", c.Stream, "from_seq", c.FromSeq)
	}
	if r.metrics != nil {
		r.updateUnanchoredGauge(ctx)
	}
}

func (r *Runner) updateUnanchoredGauge(ctx context.Context) {
	if pending, err := r.store.Unanchored(ctx); err == nil {
		r.metrics.CheckpointsUnanchored.Set(float64(len(pending)))
	}
}
