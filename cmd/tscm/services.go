package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"cpetscm/internal/audit"
	"cpetscm/internal/config"
	"cpetscm/internal/database"
	"cpetscm/internal/export"
	"cpetscm/internal/metrics"
	"cpetscm/internal/notifications"
	"cpetscm/internal/sandbox"
)

// services holds everything a command needs to run compliance checks.
type services struct {
	store     *database.ExtendedBoltStore
	evaluator *sandbox.Evaluator
	index     *export.BleveSink
	queue     notifications.Queue
	metrics   *metrics.Collector
	engine    *audit.Engine
}

func newServices(ctx context.Context, cfg *config.Config) (*services, error) {
	s := &services{}

	store, err := database.NewExtendedBoltStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.store = store
	s.metrics = metrics.NewCollector(store)

	s.evaluator = sandbox.NewEvaluator(sandbox.Options{
		Timeout:  cfg.TSCM.RuleTimeout,
		MaxSteps: cfg.TSCM.RuleMaxSteps,
	})

	var sink export.Sink = export.NopSink{}
	if cfg.Index.Enabled {
		index, err := export.OpenBleveSink(cfg.Index.Path, cfg.Index.InMemory)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.index = index
		sink = index
	}

	if cfg.Notifications.Enabled {
		queue, err := newQueue(ctx, cfg.Notifications)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.queue = queue
	}

	s.engine = audit.NewEngine(cfg, store, audit.Dependencies{
		Evaluator: s.evaluator,
		Snapshots: audit.NewDirSource(cfg.TSCM.ConfigStore, cfg.TSCM.PerDeviceDirs),
		Sink:      sink,
		Queue:     s.queue,
		Metrics:   s.metrics,
	})

	return s, nil
}

func newQueue(ctx context.Context, cfg config.NotificationConfig) (notifications.Queue, error) {
	mailer, err := notifications.NewMailer(notifications.MailConfig(cfg.Mail))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mailer: %w", err)
	}

	handlers := notifications.NewHandlers()
	handlers.Register(notifications.SendEmailJob, mailer.Handle)

	switch cfg.Transport {
	case config.TransportNATS:
		queue, err := notifications.DialJetStream(ctx, notifications.JetStreamConfig{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Consumer:      cfg.NATS.Consumer,
		}, handlers)
		if err != nil {
			return nil, err
		}
		if err := queue.Start(ctx); err != nil {
			queue.Close()
			return nil, err
		}
		return queue, nil

	default:
		queue := notifications.NewMemoryQueue(handlers, cfg.QueueSize)
		queue.Start(ctx, cfg.Workers)
		return queue, nil
	}
}

// Close releases resources in reverse order of creation. Pending
// notification jobs are drained by the queue before it returns.
func (s *services) Close() {
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close notification queue")
		}
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close search index")
		}
	}
	if s.evaluator != nil {
		s.evaluator.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}
