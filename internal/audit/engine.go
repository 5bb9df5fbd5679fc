// internal/audit/engine.go
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"

	"cpetscm/internal/catalog"
	"cpetscm/internal/compliance"
	"cpetscm/internal/config"
	"cpetscm/internal/database"
	"cpetscm/internal/export"
	"cpetscm/internal/history"
	"cpetscm/internal/metrics"
	"cpetscm/internal/notifications"
	"cpetscm/internal/sandbox"
)

// ErrNoContext is returned when a run cannot resolve the device it was
// asked to evaluate.
var ErrNoContext = errors.New("cannot resolve evaluation context")

// Dependencies are the collaborators an Engine drives.
type Dependencies struct {
	Evaluator compliance.RuleEvaluator
	Snapshots SnapshotSource
	Sink      export.Sink
	Queue     notifications.Queue
	Metrics   *metrics.Collector
}

type Engine struct {
	config      *config.Config
	store       database.Store
	catalog     *catalog.Accessor
	history     *history.Lookup
	evaluator   compliance.RuleEvaluator
	snapshots   SnapshotSource
	sink        export.Sink
	queue       notifications.Queue
	metrics     *metrics.Collector
	maintenance *Maintenance
	scheduler   *Scheduler

	pool     pond.Pool
	stopPool func()
	nowFunc  func() time.Time

	mu        sync.RWMutex
	listeners []func(*RunReport)
	running   bool
}

func NewEngine(cfg *config.Config, store database.Store, deps Dependencies) *Engine {
	if deps.Sink == nil {
		deps.Sink = export.NopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(store)
	}

	e := &Engine{
		config:    cfg,
		store:     store,
		catalog:   catalog.NewAccessor(store),
		history:   history.NewLookup(store, cfg.TSCM.MaximumAge()),
		evaluator: &instrumentedEvaluator{next: deps.Evaluator, metrics: deps.Metrics},
		snapshots: deps.Snapshots,
		sink:      deps.Sink,
		queue:     deps.Queue,
		metrics:   deps.Metrics,
		pool:      pond.NewPool(cfg.TSCM.Workers),
		nowFunc:   time.Now,
	}
	if ext, ok := store.(database.ExtendedStore); ok {
		e.maintenance = NewMaintenance(ext, cfg)
	}
	e.stopPool = sync.OnceFunc(e.pool.StopAndWait)
	e.scheduler = NewScheduler(e)
	return e
}

// Start syncs the catalog from configuration and starts the periodic
// purge and, when configured, scheduled runs.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	logrus.Info("Starting compliance engine")

	if err := e.SyncCatalog(ctx); err != nil {
		logrus.WithError(err).Error("Failed to sync catalog")
		return err
	}

	if e.maintenance != nil {
		e.maintenance.SchedulePeriodicPurge(ctx, e.config.Database.CleanupInterval)
	}

	if e.config.TSCM.ScheduleInterval > 0 {
		return e.scheduler.Start(ctx, e.config.TSCM.ScheduleInterval)
	}
	return nil
}

// Stop waits for in-flight runs. The engine lock is released first since
// finishing runs take it to notify listeners.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	logrus.Info("Stopping compliance engine")
	e.scheduler.Stop()
	e.stopPool()
}

// OnRunComplete registers fn to be called after every finished run.
func (e *Engine) OnRunComplete(fn func(*RunReport)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) notifyListeners(report *RunReport) {
	e.mu.RLock()
	listeners := append([]func(*RunReport){}, e.listeners...)
	e.mu.RUnlock()

	for _, fn := range listeners {
		fn(report)
	}
}

func (e *Engine) Catalog() *catalog.Accessor {
	return e.catalog
}

func (e *Engine) Maintenance() *Maintenance {
	return e.maintenance
}

// instrumentedEvaluator counts every rule evaluation by outcome.
type instrumentedEvaluator struct {
	next    compliance.RuleEvaluator
	metrics *metrics.Collector
}

func (i *instrumentedEvaluator) Evaluate(ctx context.Context, key, body, cfg string) (*sandbox.Verdict, error) {
	start := time.Now()
	verdict, err := i.next.Evaluate(ctx, key, body, cfg)

	result := "fault"
	if err == nil {
		result = "fail"
		if verdict.Validated {
			result = "pass"
		}
	}
	i.metrics.RecordRule(key, result, time.Since(start))
	return verdict, err
}
