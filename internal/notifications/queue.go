// internal/notifications/queue.go
package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cpetscm/internal/compliance"
)

// SendEmailJob renders and mails a run digest.
const SendEmailJob = "send_email"

var (
	ErrQueueFull   = errors.New("notification queue full")
	ErrQueueClosed = errors.New("notification queue closed")
)

// Payload is what a run hands to the notification job.
type Payload struct {
	Subject      string                 `json:"subject"`
	To           []string               `json:"to"`
	TemplateName string                 `json:"template_name"`
	TemplateBody []*compliance.EmailDoc `json:"template_body"`
}

// Job is one queued unit of work.
type Job struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Payload    Payload       `json:"payload"`
	Timeout    time.Duration `json:"timeout"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

func newJob(name string, payload Payload, timeout time.Duration) *Job {
	return &Job{
		ID:         uuid.New().String(),
		Name:       name,
		Payload:    payload,
		Timeout:    timeout,
		EnqueuedAt: time.Now(),
	}
}

// Queue accepts fire-and-forget jobs.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload Payload, timeout time.Duration) (string, error)
	Close() error
}

// Handler processes one job.
type Handler func(ctx context.Context, job *Job) error

// Handlers maps job names to their handler. It is shared by every queue
// transport.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]Handler)}
}

func (h *Handlers) Register(name string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = fn
}

// Dispatch runs the handler for job under the job's timeout. A panicking
// handler is reported as an error.
func (h *Handlers) Dispatch(ctx context.Context, job *Job) (err error) {
	h.mu.RLock()
	fn, ok := h.handlers[job.Name]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for job %q", job.Name)
	}

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()

	start := time.Now()
	err = fn(ctx, job)

	entry := logrus.WithFields(logrus.Fields{
		"job":      job.Name,
		"job_id":   job.ID,
		"duration": time.Since(start),
	})
	if err != nil {
		entry.WithError(err).Error("Notification job failed")
	} else {
		entry.Debug("Notification job completed")
	}
	return err
}
