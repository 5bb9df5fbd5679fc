// internal/notifications/jetstream.go
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
)

const (
	defaultFetchBatch = 10
	defaultFetchWait  = 5 * time.Second
	defaultMaxDeliver = 3
)

// JetStreamConfig locates the stream jobs are published to.
type JetStreamConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Consumer      string
	AckWait       time.Duration
	FetchWait     time.Duration
}

// JetStreamQueue publishes jobs to a NATS JetStream stream and, once
// started, consumes them with a durable pull consumer. Jobs survive a
// restart of the process.
type JetStreamQueue struct {
	cfg      JetStreamConfig
	nc       *nats.Conn
	js       jetstream.JetStream
	handlers *Handlers

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialJetStream connects to NATS and makes sure the job stream exists.
func DialJetStream(ctx context.Context, cfg JetStreamConfig, handlers *Handlers) (*JetStreamQueue, error) {
	if cfg.Stream == "" {
		cfg.Stream = "TSCM_JOBS"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "tscm.jobs"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "tscm-workers"
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = 2 * time.Minute
	}
	if cfg.FetchWait == 0 {
		cfg.FetchWait = defaultFetchWait
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("cpetscm"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	_, err = js.Stream(ctx, cfg.Stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{cfg.SubjectPrefix + ".>"},
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
		}
	} else if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get stream %s: %w", cfg.Stream, err)
	}

	logrus.WithFields(logrus.Fields{
		"url":    cfg.URL,
		"stream": cfg.Stream,
	}).Info("Connected notification queue to JetStream")

	return &JetStreamQueue{cfg: cfg, nc: nc, js: js, handlers: handlers}, nil
}

func (q *JetStreamQueue) subject(name string) string {
	return q.cfg.SubjectPrefix + "." + name
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, name string, payload Payload, timeout time.Duration) (string, error) {
	job := newJob(name, payload, timeout)
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	ack, err := q.js.Publish(ctx, q.subject(name), data, jetstream.WithMsgID(job.ID))
	if err != nil {
		return "", fmt.Errorf("failed to publish job %s: %w", name, err)
	}

	logrus.WithFields(logrus.Fields{
		"job":      name,
		"job_id":   job.ID,
		"sequence": ack.Sequence,
	}).Debug("Published notification job")
	return job.ID, nil
}

// Start creates or attaches the durable consumer and processes jobs until
// Close.
func (q *JetStreamQueue) Start(ctx context.Context) error {
	consumer, err := q.js.Consumer(ctx, q.cfg.Stream, q.cfg.Consumer)
	if err != nil {
		consumer, err = q.js.CreateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
			Durable:       q.cfg.Consumer,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       q.cfg.AckWait,
			MaxDeliver:    defaultMaxDeliver,
			MaxAckPending: 100,
			FilterSubject: q.cfg.SubjectPrefix + ".>",
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.consume(ctx, consumer)
	return nil
}

func (q *JetStreamQueue) consume(ctx context.Context, consumer jetstream.Consumer) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(defaultFetchBatch, jetstream.FetchMaxWait(q.cfg.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Warn("Failed to fetch notification jobs")
			time.Sleep(time.Second)
			continue
		}

		for msg := range msgs.Messages() {
			q.handle(ctx, msg)
		}
		if err := msgs.Error(); err != nil && ctx.Err() == nil && !errors.Is(err, nats.ErrTimeout) {
			logrus.WithError(err).Debug("Fetch ended with error")
		}
	}
}

func (q *JetStreamQueue) handle(ctx context.Context, msg jetstream.Msg) {
	job := &Job{}
	if err := json.Unmarshal(msg.Data(), job); err != nil {
		logrus.WithError(err).WithField("subject", msg.Subject()).Error("Discarding undecodable job")
		_ = msg.Term()
		return
	}

	if err := q.handlers.Dispatch(ctx, job); err != nil {
		meta, metaErr := msg.Metadata()
		if metaErr == nil && meta.NumDelivered >= defaultMaxDeliver {
			logrus.WithField("job_id", job.ID).Warn("Giving up on notification job")
			_ = msg.Ack()
			return
		}
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

func (q *JetStreamQueue) Close() error {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.nc.Close()
	return nil
}
