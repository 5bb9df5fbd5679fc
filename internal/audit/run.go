// internal/audit/run.go
package audit

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cpetscm/internal/compliance"
	"cpetscm/internal/database"
	"cpetscm/internal/export"
	"cpetscm/internal/notifications"
)

// RunReport is what one compliance run produced. It is returned even when
// the index flush or the notification failed.
type RunReport struct {
	RunID             string                 `json:"run_id"`
	DeviceID          string                 `json:"device_id"`
	BusinessService   string                 `json:"business_service"`
	SelectedCheck     string                 `json:"selected_check,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	Duration          time.Duration          `json:"duration"`
	IsCompliant       bool                   `json:"is_compliant"`
	HistoryCompliant  bool                   `json:"history_compliant"`
	Rules             []string               `json:"rules"`
	Snapshots         int                    `json:"snapshots"`
	SnapshotErrors    []SnapshotError        `json:"snapshot_errors,omitempty"`
	Daily             []compliance.DailyDoc  `json:"daily"`
	Details           []compliance.DetailDoc `json:"details"`
	Digests           []*compliance.EmailDoc `json:"digests"`
	Flushed           int                    `json:"flushed"`
	FlushError        string                 `json:"flush_error,omitempty"`
	NotificationID    string                 `json:"notification_id,omitempty"`
	NotificationError string                 `json:"notification_error,omitempty"`
}

// SnapshotError records a snapshot that could not be processed.
type SnapshotError struct {
	Snapshot string `json:"snapshot"`
	Error    string `json:"error"`
}

type snapshotResult struct {
	compliant bool
	digest    *compliance.EmailDoc
	err       error
}

// RunComplianceCheck evaluates every stored snapshot of deviceID. With
// selected set only that check is run. An unknown device fails with
// ErrNoContext before any snapshot is touched.
func (e *Engine) RunComplianceCheck(ctx context.Context, deviceID, selected string) (*RunReport, error) {
	start := e.nowFunc()
	report := &RunReport{
		RunID:         uuid.New().String(),
		DeviceID:      deviceID,
		SelectedCheck: selected,
		StartedAt:     start,
	}
	log := logrus.WithFields(logrus.Fields{
		"run_id":    report.RunID,
		"device_id": deviceID,
	})

	device, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			err = fmt.Errorf("%w: device %s: %w", ErrNoContext, deviceID, err)
		}
		e.metrics.RecordRun(deviceID, "", false, err, time.Since(start))
		return nil, err
	}
	if device.Vendor == "" || device.BusinessService == "" {
		err := fmt.Errorf("%w: device %s has no vendor or business service", ErrNoContext, deviceID)
		e.metrics.RecordRun(deviceID, device.BusinessService, false, err, time.Since(start))
		return nil, err
	}
	report.BusinessService = device.BusinessService

	rules, err := e.catalog.SelectRules(ctx, device.Vendor, device.BusinessService, device.DeviceModel, selected)
	if err != nil {
		e.metrics.RecordRun(deviceID, device.BusinessService, false, err, time.Since(start))
		return nil, fmt.Errorf("failed to select rules: %w", err)
	}
	for _, rule := range rules {
		report.Rules = append(report.Rules, rule.Key)
	}
	if len(rules) == 0 {
		log.Warn("No TSCM checks configured for device")
	}

	known, err := e.history.CompliantSince(ctx, deviceID)
	if err != nil {
		e.metrics.RecordRun(deviceID, device.BusinessService, false, err, time.Since(start))
		return nil, err
	}
	report.HistoryCompliant = known

	refs, err := e.snapshots.List(ctx, deviceID)
	if err != nil {
		e.metrics.RecordRun(deviceID, device.BusinessService, false, err, time.Since(start))
		return nil, err
	}

	aggregator := export.NewAggregator()
	results := make([]snapshotResult, len(refs))

	if len(refs) > 0 {
		group := e.pool.NewGroup()
		for i, ref := range refs {
			group.Submit(func() {
				results[i] = e.processSnapshot(ctx, report.RunID, device, rules, known, ref, aggregator)
			})
		}
		if err := group.Wait(); err != nil {
			log.WithError(err).Error("Snapshot group ended with error")
		}
	}

	processed := 0
	compliant := true
	for i, res := range results {
		if res.err != nil {
			report.SnapshotErrors = append(report.SnapshotErrors, SnapshotError{
				Snapshot: refs[i].Name,
				Error:    res.err.Error(),
			})
			e.metrics.RecordSnapshot(true)
			continue
		}
		e.metrics.RecordSnapshot(false)
		processed++
		compliant = compliant && res.compliant
		report.Digests = append(report.Digests, res.digest)
	}
	report.Snapshots = processed
	report.IsCompliant = processed > 0 && compliant
	report.Daily = aggregator.Daily()
	report.Details = aggregator.Details()

	flushed, err := aggregator.Flush(ctx, e.sink)
	e.metrics.RecordFlush(err)
	if err != nil {
		log.WithError(err).Warn("Failed to flush run documents to index")
		report.FlushError = err.Error()
	}
	report.Flushed = flushed

	e.enqueueDigest(ctx, report, log)

	report.Duration = time.Since(start)
	e.metrics.RecordRun(deviceID, device.BusinessService, report.IsCompliant, nil, report.Duration)

	log.WithFields(logrus.Fields{
		"compliant":       report.IsCompliant,
		"snapshots":       processed,
		"snapshot_errors": len(report.SnapshotErrors),
		"rules":           len(rules),
		"duration":        report.Duration,
	}).Info("Compliance run finished")

	e.notifyListeners(report)
	return report, nil
}

// processSnapshot runs the state machine over one snapshot. Read failures
// and panics stay inside the snapshot.
func (e *Engine) processSnapshot(ctx context.Context, runID string, device *database.Device,
	rules []database.Rule, known bool, ref SnapshotRef, recorder compliance.Recorder) (res snapshotResult) {

	log := logrus.WithFields(logrus.Fields{
		"run_id":    runID,
		"device_id": device.ID,
		"snapshot":  ref.Name,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("Snapshot processing panicked: %v", r)
			res = snapshotResult{err: fmt.Errorf("snapshot %s panicked: %v", ref.Name, r)}
		}
	}()

	text, err := e.snapshots.Read(ctx, ref)
	if err != nil {
		log.WithError(err).Error("Failed to read snapshot")
		return snapshotResult{err: err}
	}

	now := e.nowFunc()
	check := compliance.NewCheck(compliance.EvaluationContext{
		DeviceID:        device.ID,
		Vendor:          device.Vendor,
		BusinessService: device.BusinessService,
		DeviceModel:     device.DeviceModel,
		Online:          device.Online,
		Config:          text,
		Date:            now,
	}, rules, e.evaluator, recorder, compliance.Thresholds{
		MinimumConfigAge: e.config.TSCM.MinimumAge(),
		MaximumConfigAge: e.config.TSCM.MaximumAge(),
	})

	policy := AgePolicy{Mode: e.config.TSCM.ConfigAgeMode, Fixed: e.config.TSCM.FixedAge()}
	age := policy.Age(ref, now)
	if !check.CheckConfigAge(age) {
		log.WithField("age", age).Info("Snapshot config is older than expected")
	}

	if device.Online {
		check.ResolveOnline(ctx)
	} else {
		check.ResolveOffline(known)
	}

	if e.config.TSCM.ShouldRecordHistory() {
		daily := check.Results().Daily
		reason := ""
		if len(daily) > 0 {
			reason = string(daily[len(daily)-1].Reason)
		}
		if err := e.history.Record(ctx, device.ID, now, device.Online, check.IsCompliant(), reason); err != nil {
			log.WithError(err).Warn("Failed to record compliance history")
		}
	}

	return snapshotResult{compliant: check.IsCompliant(), digest: check.EmailDigest()}
}

func (e *Engine) enqueueDigest(ctx context.Context, report *RunReport, log *logrus.Entry) {
	n := e.config.Notifications
	if !n.Enabled || e.queue == nil {
		return
	}

	id, err := e.queue.Enqueue(ctx, notifications.SendEmailJob, notifications.Payload{
		Subject:      n.Subject,
		To:           n.Recipients,
		TemplateName: n.Template,
		TemplateBody: report.Digests,
	}, n.JobTimeout)
	e.metrics.RecordNotification(err)
	if err != nil {
		log.WithError(err).Warn("Failed to enqueue compliance digest")
		report.NotificationError = err.Error()
		return
	}
	report.NotificationID = id
}
