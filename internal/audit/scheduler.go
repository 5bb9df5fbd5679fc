// internal/audit/scheduler.go
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler runs a compliance check for every known device on a fixed
// interval. Runs are queued and executed by a small set of workers so a
// slow device does not hold up the others.
type Scheduler struct {
	engine   *Engine
	jobQueue chan *Job
	workers  []*Worker
	running  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// Job asks for one scheduled run.
type Job struct {
	DeviceID string
	QueuedAt time.Time
}

type Worker struct {
	id     int
	engine *Engine
	jobs   chan *Job
}

func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{
		engine:   engine,
		jobQueue: make(chan *Job, 1000),
	}
}

func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)

	workerCount := s.engine.config.TSCM.Workers
	s.workers = make([]*Worker, workerCount)
	for i := 0; i < workerCount; i++ {
		worker := &Worker{id: i, engine: s.engine, jobs: s.jobQueue}
		s.workers[i] = worker
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			worker.start(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scheduleJobs(ctx, interval)
	}()

	logrus.WithFields(logrus.Fields{
		"interval": interval,
		"workers":  workerCount,
	}).Info("Started compliance scheduler")
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	logrus.Info("Stopping compliance scheduler")
	s.wg.Wait()
}

func (s *Scheduler) scheduleJobs(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.processSchedule(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processSchedule(ctx)
		}
	}
}

// processSchedule queues one run per device and returns how many were queued.
func (s *Scheduler) processSchedule(ctx context.Context) int {
	devices, err := s.engine.store.GetDevices(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to get devices")
		return 0
	}

	scheduled := 0
	now := time.Now()
	for _, device := range devices {
		select {
		case s.jobQueue <- &Job{DeviceID: device.ID, QueuedAt: now}:
			scheduled++
		default:
			logrus.WithField("device_id", device.ID).Warn("Job queue full, dropping scheduled run")
		}
	}

	if scheduled > 0 {
		logrus.WithField("count", scheduled).Debug("Scheduled compliance runs")
	}
	return scheduled
}

func (w *Worker) start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			w.executeJob(ctx, job)
		}
	}
}

func (w *Worker) executeJob(ctx context.Context, job *Job) {
	_, err := w.engine.RunComplianceCheck(ctx, job.DeviceID, "")
	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).WithFields(logrus.Fields{
			"worker":    w.id,
			"device_id": job.DeviceID,
			"waited":    time.Since(job.QueuedAt),
		}).Error("Scheduled compliance run failed")
	}
}
