// Package server wires the ledger, gate, broker, checkpoint runner, and
// evidence packager behind an HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/provara/provara/internal/approval"
	"github.com/provara/provara/internal/chain"
	"github.com/provara/provara/internal/checkpoint"
	"github.com/provara/provara/internal/config"
	"github.com/provara/provara/internal/evidence"
	"github.com/provara/provara/internal/gate"
	"github.com/provara/provara/internal/ingest"
	"github.com/provara/provara/internal/metrics"
	"github.com/provara/provara/internal/policy"
	"github.com/provara/provara/internal/storage"
)

// Server hosts all components over one SQLite database.
type Server struct {
	cfg      *config.Config
	db       *sql.DB
	chain    *chain.Store
	engine   *policy.Engine
	broker   *approval.Broker
	gate     *gate.Gate
	pipeline *ingest.Pipeline
	ckpts    *checkpoint.Store
	runner   *checkpoint.Runner
	packager *evidence.Packager
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	logger   *slog.Logger
	http     *http.Server
}

// New builds a Server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	engine, err := policy.NewEngine(cfg.PolicyPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	chainStore := chain.NewStore(db)

	var notifier approval.Notifier = approval.NopNotifier{}
	if cfg.Approval.WebhookURL != "" {
		notifier = approval.NewWebhookNotifier(cfg.Approval.WebhookURL, cfg.Approval.WebhookHeaders)
	}
	broker := approval.NewBroker(approval.NewStore(db),
		approval.WithTimeout(cfg.Approval.Timeout.Std()),
		approval.WithNotifier(notifier),
		approval.WithLogger(logger),
		approval.WithMetrics(m))

	var anchorer checkpoint.Anchorer
	if cfg.AnchorURL != "" {
		anchorer = checkpoint.NewHTTPAnchorer(cfg.AnchorURL)
	} else {
		anchorer = checkpoint.NoAnchorer{}
	}
	ckptStore := checkpoint.NewStore(db)
	runner := checkpoint.NewRunner(chainStore, ckptStore, anchorer, chainStore.AllStreams,
		checkpoint.WithInterval(cfg.Checkpoint.Interval.Std()),
		checkpoint.WithBatchSize(cfg.Checkpoint.BatchSize),
		checkpoint.WithLogger(logger),
		checkpoint.WithMetrics(m))

	pipeline := ingest.New(chainStore,
		ingest.WithSessionStreams(cfg.SessionStreams),
		ingest.WithNotify(runner.Notify),
		ingest.WithLogger(logger),
		ingest.WithMetrics(m))

	failMode := policy.Deny
	if cfg.FailMode == "allow" {
		failMode = policy.Allow
	}
	g := gate.New(engine, broker,
		gate.WithRecorder(pipeline),
		gate.WithFailMode(failMode),
		gate.WithLogger(logger),
		gate.WithMetrics(m))

	signer, err := evidence.LoadSigningKey(cfg.SigningKeyPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	packagerOpts := []evidence.Option{
		evidence.WithActivePolicyVersion(engine.Version()),
		evidence.WithLogger(logger),
		evidence.WithMetrics(m),
	}
	if cfg.AnchorURL != "" {
		packagerOpts = append(packagerOpts, evidence.WithAnchorer(anchorer))
	}
	packager := evidence.NewPackager(chainStore, ckptStore, signer, packagerOpts...)

	s := &Server{
		cfg:      cfg,
		db:       db,
		chain:    chainStore,
		engine:   engine,
		broker:   broker,
		gate:     g,
		pipeline: pipeline,
		ckpts:    ckptStore,
		runner:   runner,
		packager: packager,
		metrics:  m,
		registry: registry,
		logger:   logger,
	}
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.broker.ExpirePending(ctx); err != nil {
		return fmt.Errorf("server: expire stale approvals: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return s.pipeline.Run(ctx) })
	group.Go(func() error { return s.runner.Run(ctx) })

	if s.cfg.PolicyPath != "" {
		reloader, err := NewReloader(s.engine, []string{s.cfg.PolicyPath}, s.logger)
		if err != nil {
			s.logger.Warn("policy hot-reload disabled", "error", err)
		} else {
			group.Go(func() error { return reloader.Run(ctx) })
		}
	}

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	s.logger.Info("listening", "addr", s.cfg.Listen)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return group.Wait()
}

// Close releases the database.
func (s *Server) Close() error {
	return s.db.Close()
}
