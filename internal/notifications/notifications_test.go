package notifications

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"cpetscm/internal/compliance"
)

func digest(deviceID string, compliant bool, checks ...compliance.Entry) *compliance.EmailDoc {
	doc := &compliance.EmailDoc{DeviceID: deviceID, IsCompliant: compliant, Checks: ordereddict.NewDict()}
	for _, c := range checks {
		doc.Checks.Set(c.Key, c.CheckOutcome)
	}
	return doc
}

func samplePayload() Payload {
	return Payload{
		Subject:      "TSCM compliance report",
		To:           []string{"noc@example.com"},
		TemplateName: DefaultTemplate,
		TemplateBody: []*compliance.EmailDoc{
			digest("bsr01", true, compliance.Entry{Key: "ACL10", CheckOutcome: compliance.CheckOutcome{Output: "checking 10\n", IsCompliant: true}}),
			digest("bsr02", false, compliance.Entry{Key: "ACL2-3", CheckOutcome: compliance.CheckOutcome{Output: "missing acl 2\n"}}),
		},
	}
}

func TestMemoryQueueDispatches(t *testing.T) {
	handlers := NewHandlers()
	got := make(chan *Job, 1)
	handlers.Register(SendEmailJob, func(ctx context.Context, job *Job) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		got <- job
		return nil
	})

	q := NewMemoryQueue(handlers, 4)
	q.Start(context.Background(), 2)
	defer q.Close()

	id, err := q.Enqueue(context.Background(), SendEmailJob, samplePayload(), time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case job := <-got:
		assert.Equal(t, id, job.ID)
		assert.Len(t, job.Payload.TemplateBody, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not dispatched")
	}
}

func TestMemoryQueueDrainsAfterCallerCancel(t *testing.T) {
	handlers := NewHandlers()
	var mu sync.Mutex
	var delivered []error
	release := make(chan struct{})
	handlers.Register(SendEmailJob, func(ctx context.Context, job *Job) error {
		<-release
		mu.Lock()
		delivered = append(delivered, ctx.Err())
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemoryQueue(handlers, 4)
	q.Start(ctx, 1)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, SendEmailJob, samplePayload(), time.Minute)
		require.NoError(t, err)
	}
	cancel()
	close(release)

	require.NoError(t, q.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 3)
	for _, err := range delivered {
		assert.NoError(t, err)
	}
}

func TestMemoryQueueFullAndClosed(t *testing.T) {
	q := NewMemoryQueue(NewHandlers(), 1)

	_, err := q.Enqueue(context.Background(), SendEmailJob, Payload{}, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), SendEmailJob, Payload{}, 0)
	assert.ErrorIs(t, err, ErrQueueFull)

	require.NoError(t, q.Close())
	_, err = q.Enqueue(context.Background(), SendEmailJob, Payload{}, 0)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestDispatchErrors(t *testing.T) {
	handlers := NewHandlers()
	handlers.Register("boom", func(context.Context, *Job) error { panic("smtp exploded") })

	err := handlers.Dispatch(context.Background(), &Job{Name: "missing"})
	assert.ErrorContains(t, err, `no handler registered for job "missing"`)

	err = handlers.Dispatch(context.Background(), &Job{Name: "boom"})
	assert.ErrorContains(t, err, "smtp exploded")
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m...)
	return nil
}

func TestMailerRender(t *testing.T) {
	m, err := NewMailerWithSender("tscm@example.com", &fakeSender{})
	require.NoError(t, err)

	body, err := m.Render("", samplePayload())
	require.NoError(t, err)
	assert.Contains(t, body, "1 of 2 snapshots compliant")
	assert.Contains(t, body, "bsr02")
	assert.Contains(t, body, "missing acl 2")
	assert.Less(t, strings.Index(body, "bsr01"), strings.Index(body, "bsr02"))

	_, err = m.Render("nope.html", samplePayload())
	assert.ErrorContains(t, err, `unknown mail template "nope.html"`)
}

func TestMailerHandle(t *testing.T) {
	sender := &fakeSender{}
	m, err := NewMailerWithSender("tscm@example.com", sender)
	require.NoError(t, err)

	job := newJob(SendEmailJob, samplePayload(), time.Minute)
	require.NoError(t, m.Handle(context.Background(), job))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"TSCM compliance report"}, sender.sent[0].GetHeader("Subject"))
	assert.Equal(t, []string{"noc@example.com"}, sender.sent[0].GetHeader("To"))

	job.Payload.To = nil
	require.NoError(t, m.Handle(context.Background(), job))
	assert.Len(t, sender.sent, 1)

	sender.err = errors.New("connection refused")
	job.Payload.To = []string{"noc@example.com"}
	assert.ErrorContains(t, m.Handle(context.Background(), job), "connection refused")
}

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go srv.Start()
	require.True(t, srv.ReadyForConnections(10*time.Second))
	require.Eventually(t, srv.JetStreamEnabled, 5*time.Second, 50*time.Millisecond)
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestJetStreamQueueRoundTrip(t *testing.T) {
	srv := runJetStreamServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handlers := NewHandlers()
	got := make(chan *Job, 1)
	handlers.Register(SendEmailJob, func(_ context.Context, job *Job) error {
		got <- job
		return nil
	})

	q, err := DialJetStream(ctx, JetStreamConfig{URL: srv.ClientURL(), FetchWait: 200 * time.Millisecond}, handlers)
	require.NoError(t, err)
	defer q.Close()

	id, err := q.Enqueue(ctx, SendEmailJob, samplePayload(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))

	select {
	case job := <-got:
		assert.Equal(t, id, job.ID)
		assert.Equal(t, time.Minute, job.Timeout)
		require.Len(t, job.Payload.TemplateBody, 2)
		outcome, ok := job.Payload.TemplateBody[1].Outcome("ACL2-3")
		require.True(t, ok)
		assert.Equal(t, "missing acl 2\n", outcome.Output)
		assert.False(t, outcome.IsCompliant)
	case <-ctx.Done():
		t.Fatal("job was not consumed")
	}
}
