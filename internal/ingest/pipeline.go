// Package ingest decouples event producers from the append path. Submission
// is fire-and-forget with at-least-once delivery; the chain store dedups by
// event ID, and tail conflicts are retried here.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/provara/provara/internal/chain"
	"github.com/provara/provara/internal/event"
	"github.com/provara/provara/internal/metrics"
)

const (
	defaultQueueSize = 1024
	maxAppendRetries = 5
)

// Pipeline routes submitted events into the hash-chain store.
type Pipeline struct {
	store     *chain.Store
	queue     chan *event.Event
	bySession bool
	notify    func(ctx context.Context, stream string)
	logger    *slog.Logger
	metrics   *metrics.Metrics
	done      chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSessionStreams narrows chaining scope from per-application to
// per-session streams.
func WithSessionStreams(on bool) Option {
	return func(p *Pipeline) { p.bySession = on }
}

// WithNotify calls fn with the stream key after each successful append,
// typically to let the checkpoint runner count new events.
func WithNotify(fn func(ctx context.Context, stream string)) Option {
	return func(p *Pipeline) { p.notify = fn }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics wires ingestion counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline over the chain store.
func New(store *chain.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  store,
		queue:  make(chan *event.Event, defaultQueueSize),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit enqueues a draft for appending. It validates eagerly so producers
// get malformed events rejected up front, then returns without waiting for
// the append.
func (p *Pipeline) Submit(e *event.Event) error {
	if err := event.Validate(e); err != nil {
		if p.metrics != nil {
			p.metrics.IngestDropped.Inc()
		}
		return err
	}
	select {
	case p.queue <- e:
		return nil
	default:
		if p.metrics != nil {
			p.metrics.IngestDropped.Inc()
		}
		return fmt.Errorf("ingest: queue full, event %s dropped", e.ID)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is already
// queued. Appends within one stream are serialized by the store's lane; the
// single drain loop keeps submission order per producer.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case e := <-p.queue:
			p.append(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e := <-p.queue:
					p.append(context.Background(), e)
				default:
					return nil
				}
			}
		}
	}
}

// Done reports pipeline shutdown, for tests and graceful exits.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) append(ctx context.Context, e *event.Event) {
	stream := event.StreamKey(e.AppID, e.SessionID, p.bySession)

	var err error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		if attempt > 0 {
			if p.metrics != nil {
				p.metrics.IngestRetries.Inc()
			}
			time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
		}
		_, err = p.store.Append(ctx, stream, e)
		if err != nil && ctx.Err() != nil {
			// Shutdown raced the append. The event was already accepted, so
			// it still has to land; finish it on the background context.
			ctx = context.Background()
			_, err = p.store.Append(ctx, stream, e)
		}
		if err == nil {
			if p.metrics != nil {
				p.metrics.EventsAppended.Inc()
			}
			if p.notify != nil {
				p.notify(ctx, stream)
			}
			return
		}
		if !errors.Is(err, chain.ErrConflict) {
			break
		}
	}

	if p.metrics != nil {
		p.metrics.IngestDropped.Inc()
	}
	p.logger.Error("append failed", "event_id", e.ID, "stream", stream, "error", err)
}
