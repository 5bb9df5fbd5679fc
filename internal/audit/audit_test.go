package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cpetscm/internal/compliance"
	"cpetscm/internal/config"
	"cpetscm/internal/database"
	"cpetscm/internal/export"
	"cpetscm/internal/notifications"
	"cpetscm/internal/sandbox"
)

const fixtureConfig = `
database:
  path: %[1]s/tscm.db
  history_retention: 720h
tscm:
  config_store: %[1]s/configs
  per_device_dirs: true
  workers: 4
notifications:
  enabled: true
  recipients: [noc@example.com]
  mail:
    server: smtp.example.com
    from: tscm@example.com
devices:
  - {id: bsr01, vendor: cisco, business_service: VPN, device_model: "3600"}
  - {id: bsr02, vendor: cisco, business_service: VPN, device_model: "3800", online: false}
  - {id: bsr03, vendor: cisco, business_service: VPN, device_model: "3800"}
checks:
  - key: ACL10
    vendor: cisco
    business_service: VPN
    remediation: add access-list 10
    body: |
      print("checking 10")
      validated = "access-list 10 permit" in config
  - key: ACL2-3
    vendor: cisco
    business_service: VPN
    body: |
      validated = "access-list 2 permit" in config
  - key: ACL2-3-exception-3600
    vendor: cisco
    business_service: VPN
    device_model: "3600"
    replaces_parent_check: ACL2-3
    body: |
      validated = "access-list 2 deny" in config
`

type memSink struct {
	mu   sync.Mutex
	docs []export.Document
	err  error
}

func (s *memSink) Flush(_ context.Context, docs []export.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.docs = append(s.docs, docs...)
	return nil
}

type memQueue struct {
	mu       sync.Mutex
	payloads []notifications.Payload
	timeouts []time.Duration
}

func (q *memQueue) Enqueue(_ context.Context, name string, payload notifications.Payload, timeout time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if name != notifications.SendEmailJob {
		return "", fmt.Errorf("unexpected job %s", name)
	}
	q.payloads = append(q.payloads, payload)
	q.timeouts = append(q.timeouts, timeout)
	return fmt.Sprintf("job-%d", len(q.payloads)), nil
}

func (q *memQueue) Close() error { return nil }

type fixture struct {
	dir    string
	cfg    *config.Config
	store  *database.ExtendedBoltStore
	engine *Engine
	sink   *memSink
	queue  *memQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tscm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(fixtureConfig, dir)), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	store, err := database.NewExtendedBoltStore(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	evaluator := sandbox.NewEvaluator(sandbox.Options{Timeout: 2 * time.Second, MaxSteps: 100000})
	t.Cleanup(func() { _ = evaluator.Close() })

	f := &fixture{dir: dir, cfg: cfg, store: store, sink: &memSink{}, queue: &memQueue{}}
	f.engine = NewEngine(cfg, store, Dependencies{
		Evaluator: evaluator,
		Snapshots: NewDirSource(cfg.TSCM.ConfigStore, true),
		Sink:      f.sink,
		Queue:     f.queue,
	})
	t.Cleanup(f.engine.stopPool)

	require.NoError(t, f.engine.SyncCatalog(context.Background()))
	return f
}

func (f *fixture) snapshot(t *testing.T, deviceID, name, content string) {
	t.Helper()
	path := filepath.Join(f.cfg.TSCM.ConfigStore, deviceID, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const goodConfig = "hostname bsr01\naccess-list 10 permit any\naccess-list 2 deny any\n"

func TestRunOnlineDevice(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "bsr01", "a.cfg", goodConfig)
	f.snapshot(t, "bsr01", "b.cfg", "hostname bsr01\naccess-list 2 deny any\n")

	report, err := f.engine.RunComplianceCheck(context.Background(), "bsr01", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"ACL10", "ACL2-3-exception-3600"}, report.Rules)
	assert.Equal(t, 2, report.Snapshots)
	assert.False(t, report.IsCompliant)
	assert.Len(t, report.Daily, 2)
	assert.Len(t, report.Details, 4)
	assert.Equal(t, 6, report.Flushed)
	assert.Len(t, f.sink.docs, 6)
	assert.Empty(t, report.FlushError)

	require.Len(t, report.Digests, 2)
	assert.True(t, report.Digests[0].IsCompliant)
	assert.False(t, report.Digests[1].IsCompliant)
	outcome, ok := report.Digests[1].Outcome("ACL10")
	require.True(t, ok)
	assert.Equal(t, "checking 10\n", outcome.Output)
	assert.False(t, outcome.IsCompliant)

	for _, d := range report.Details {
		if d.CheckKey == "ACL10" && !d.IsCompliant {
			assert.Equal(t, "add access-list 10", d.Remediation)
		}
	}

	require.Len(t, f.queue.payloads, 1)
	payload := f.queue.payloads[0]
	assert.Equal(t, "job-1", report.NotificationID)
	assert.Equal(t, []string{"noc@example.com"}, payload.To)
	assert.Equal(t, "tscm_email_template.html", payload.TemplateName)
	assert.Len(t, payload.TemplateBody, 2)
	assert.Equal(t, 60*time.Second, f.queue.timeouts[0])

	records, err := f.store.GetRecords(context.Background(), database.RecordFilters{DeviceID: "bsr01"})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRunSelectedCheck(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "bsr01", "a.cfg", goodConfig)

	report, err := f.engine.RunComplianceCheck(context.Background(), "bsr01", "ACL10")
	require.NoError(t, err)
	assert.Equal(t, []string{"ACL10"}, report.Rules)
	assert.True(t, report.IsCompliant)
	require.Len(t, report.Details, 1)
	assert.Equal(t, "ACL10", report.Details[0].CheckKey)
}

func TestRunUnknownDevice(t *testing.T) {
	f := newFixture(t)

	report, err := f.engine.RunComplianceCheck(context.Background(), "nope", "")
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrNoContext)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Empty(t, f.queue.payloads)
	assert.Empty(t, f.sink.docs)
}

func TestRunOfflineDeviceUsesHistory(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "bsr02", "a.cfg", goodConfig)

	ctx := context.Background()
	require.NoError(t, f.store.AddRecord(ctx, &database.ComplianceRecord{
		DeviceID:    "bsr02",
		Date:        time.Now().AddDate(0, 0, -3),
		IsOnline:    true,
		IsCompliant: true,
	}))

	report, err := f.engine.RunComplianceCheck(ctx, "bsr02", "")
	require.NoError(t, err)
	assert.True(t, report.HistoryCompliant)
	assert.True(t, report.IsCompliant)
	require.Len(t, report.Daily, 1)
	assert.Equal(t, compliance.ReasonOfflineCompliant, report.Daily[0].Reason)
	assert.Empty(t, report.Details)
}

func TestRunOfflineNeverEvaluated(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "bsr02", "a.cfg", goodConfig)

	report, err := f.engine.RunComplianceCheck(context.Background(), "bsr02", "")
	require.NoError(t, err)
	assert.False(t, report.IsCompliant)
	require.Len(t, report.Daily, 1)
	assert.Equal(t, compliance.ReasonOfflineNotCompliant, report.Daily[0].Reason)

	require.Len(t, f.queue.payloads, 1)
	require.Len(t, f.queue.payloads[0].TemplateBody, 1)
	digest := f.queue.payloads[0].TemplateBody[0]
	assert.Equal(t, "bsr02", digest.DeviceID)
	assert.False(t, digest.IsCompliant)
	assert.Empty(t, digest.Entries())
}

func TestRunNoSnapshots(t *testing.T) {
	f := newFixture(t)

	report, err := f.engine.RunComplianceCheck(context.Background(), "bsr03", "")
	require.NoError(t, err)
	assert.Zero(t, report.Snapshots)
	assert.False(t, report.IsCompliant)
	assert.Zero(t, report.Flushed)
	require.Len(t, f.queue.payloads, 1)
	assert.Empty(t, f.queue.payloads[0].TemplateBody)
}

func TestRunFlushFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "bsr01", "a.cfg", goodConfig)
	f.sink.err = errors.New("index unreachable")

	report, err := f.engine.RunComplianceCheck(context.Background(), "bsr01", "")
	require.NoError(t, err)
	assert.True(t, report.IsCompliant)
	assert.Equal(t, "index unreachable", report.FlushError)
	assert.Zero(t, report.Flushed)
	assert.Len(t, report.Details, 2)
	assert.Len(t, f.queue.payloads, 1)
}

type faultySource struct {
	SnapshotSource
}

func (s faultySource) Read(ctx context.Context, ref SnapshotRef) (string, error) {
	switch ref.Name {
	case "broken.cfg":
		return "", errors.New("permission denied")
	case "panic.cfg":
		panic("corrupt snapshot")
	}
	return s.SnapshotSource.Read(ctx, ref)
}

func TestRunIsolatesSnapshotFaults(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "bsr01", "a.cfg", goodConfig)
	f.snapshot(t, "bsr01", "broken.cfg", "")
	f.snapshot(t, "bsr01", "panic.cfg", "")
	f.engine.snapshots = faultySource{SnapshotSource: f.engine.snapshots}

	report, err := f.engine.RunComplianceCheck(context.Background(), "bsr01", "")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Snapshots)
	assert.True(t, report.IsCompliant)
	require.Len(t, report.SnapshotErrors, 2)
	assert.Equal(t, "broken.cfg", report.SnapshotErrors[0].Snapshot)
	assert.Contains(t, report.SnapshotErrors[0].Error, "permission denied")
	assert.Equal(t, "panic.cfg", report.SnapshotErrors[1].Snapshot)
	assert.Contains(t, report.SnapshotErrors[1].Error, "corrupt snapshot")
}

func TestRunStaleConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.TSCM.ConfigAge = intPtr(10)
	f.snapshot(t, "bsr01", "a.cfg", goodConfig)

	report, err := f.engine.RunComplianceCheck(context.Background(), "bsr01", "")
	require.NoError(t, err)
	assert.False(t, report.IsCompliant)
	require.Len(t, report.Daily, 2)
	assert.Equal(t, compliance.ReasonConfigOutOfDate, report.Daily[0].Reason)
	assert.Equal(t, compliance.ReasonNotAllChecksPassed, report.Daily[1].Reason)
	_, ok := report.Digests[0].Outcome(compliance.ConfigAgeCheck)
	assert.True(t, ok)
}

func TestOnRunComplete(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "bsr01", "a.cfg", goodConfig)

	var got *RunReport
	f.engine.OnRunComplete(func(r *RunReport) { got = r })

	report, err := f.engine.RunComplianceCheck(context.Background(), "bsr01", "")
	require.NoError(t, err)
	assert.Same(t, report, got)
}

func TestSyncCatalogIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SyncCatalog(ctx))

	devices, err := f.store.GetDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 3)

	rules, err := f.store.GetRules(ctx, database.RuleFilters{})
	require.NoError(t, err)
	assert.Len(t, rules, 3)

	device, err := f.store.GetDevice(ctx, "bsr02")
	require.NoError(t, err)
	assert.False(t, device.Online)
	assert.Equal(t, "3800", device.DeviceModel)
}

func TestMaintenancePurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateDevice(ctx, &database.Device{ID: "gone", Vendor: "cisco", BusinessService: "VPN"}))
	require.NoError(t, f.store.CreateRule(ctx, &database.Rule{ID: "old-rule", Key: "OLD", Vendor: "cisco", BusinessService: "VPN"}))
	require.NoError(t, f.store.AddRecord(ctx, &database.ComplianceRecord{DeviceID: "gone", Date: time.Now()}))
	require.NoError(t, f.store.AddRecord(ctx, &database.ComplianceRecord{DeviceID: "bsr01", Date: time.Now().AddDate(0, 0, -60)}))
	require.NoError(t, f.store.AddRecord(ctx, &database.ComplianceRecord{DeviceID: "bsr01", Date: time.Now()}))

	m := f.engine.Maintenance()
	require.NotNil(t, m)
	require.NoError(t, m.PurgeAll(ctx))

	_, err := f.store.GetDevice(ctx, "gone")
	assert.ErrorIs(t, err, database.ErrNotFound)
	_, err = f.store.GetRule(ctx, "old-rule")
	assert.ErrorIs(t, err, database.ErrNotFound)

	records, err := f.store.GetRecords(ctx, database.RecordFilters{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "bsr01", records[0].DeviceID)
}

type slowEvaluator struct {
	started chan struct{}
	once    sync.Once
	delay   time.Duration
}

func (s *slowEvaluator) Evaluate(ctx context.Context, key, body, cfg string) (*sandbox.Verdict, error) {
	s.once.Do(func() { close(s.started) })
	time.Sleep(s.delay)
	return &sandbox.Verdict{Validated: true}, nil
}

func TestStopWaitsForScheduledRun(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, "bsr01", "a.cfg", goodConfig)
	f.cfg.TSCM.ScheduleInterval = time.Hour

	slow := &slowEvaluator{started: make(chan struct{}), delay: 200 * time.Millisecond}
	f.engine.evaluator = slow

	var mu sync.Mutex
	completed := 0
	f.engine.OnRunComplete(func(*RunReport) {
		mu.Lock()
		completed++
		mu.Unlock()
	})

	require.NoError(t, f.engine.Start(context.Background()))

	select {
	case <-slow.started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run never started")
	}

	stopped := make(chan struct{})
	go func() {
		f.engine.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop blocked while a run was in flight")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, completed, 1)
}

func TestSchedulerQueuesEveryDevice(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.engine)

	assert.Equal(t, 3, s.processSchedule(context.Background()))
	assert.Len(t, s.jobQueue, 3)
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bsr01", "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bsr01", "b.cfg"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bsr01", "a.cfg"), []byte("a"), 0644))

	ctx := context.Background()
	src := NewDirSource(root, true)

	refs, err := src.List(ctx, "bsr01")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "a.cfg", refs[0].Name)

	text, err := src.Read(ctx, refs[1])
	require.NoError(t, err)
	assert.Equal(t, "b", text)

	refs, err = src.List(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, refs)

	_, err = NewDirSource(filepath.Join(root, "missing"), false).List(ctx, "bsr01")
	assert.Error(t, err)
}

func TestAgePolicy(t *testing.T) {
	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	ref := SnapshotRef{ModTime: now.Add(-75 * time.Hour)}

	assert.Equal(t, 2, AgePolicy{Mode: config.AgeModeFixed, Fixed: 2}.Age(ref, now))
	assert.Equal(t, 3, AgePolicy{Mode: config.AgeModeMtime, Fixed: 2}.Age(ref, now))
	assert.Equal(t, 0, AgePolicy{Mode: config.AgeModeMtime}.Age(SnapshotRef{ModTime: now.Add(time.Hour)}, now))
	assert.Equal(t, 2, AgePolicy{Mode: config.AgeModeMtime, Fixed: 2}.Age(SnapshotRef{}, now))
}

func intPtr(v int) *int { return &v }
