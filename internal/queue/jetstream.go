package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/memoryforge/memoryd/internal/model"
)

const (
	extractionSubject     = "extraction.requests"
	consolidationSubject  = "consolidation.requests"
	extractionStream      = "EXTRACTION"
	consolidationStream   = "CONSOLIDATION"
	extractionConsumer    = "extraction-worker"
	consolidationConsumer = "consolidation-worker"
	deadLetterSuffix      = ".dead-letter"
	originalSubjectHeader = "X-Original-Subject"
)

// extractionMessage/consolidationMessage are the §6 wire shapes.
type extractionMessage struct {
	JobID     string      `json:"job_id"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	Scope     model.Scope `json:"scope"`
}

type consolidationMessage struct {
	JobID           string      `json:"job_id"`
	Scope           model.Scope `json:"scope"`
	MaxMemories     int         `json:"max_memories"`
	DetectConflicts bool        `json:"detect_conflicts"`
}

// Fabric connects to the broker and owns the two durable streams, their
// consumers, and dead-letter routing, grounded on this codebase's
// embedded-NATS bootstrap (reconnect/error-handler options), retargeted
// from an in-process embedded server to an external queue_url broker.
type Fabric struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *log.Logger
	cfg    Config
}

// Config tunes the fabric's prefetch/redelivery/concurrency policy per
// §5/§6.
type Config struct {
	Prefetch        int
	DeadLetterAfter int
	// Concurrency bounds how many fetched messages are processed by
	// in-process workers at once; Prefetch bounds how many messages
	// the broker hands out unacked. Concurrency <= Prefetch in
	// practice, but the two knobs are independent.
	Concurrency int
	// DrainTimeout is the deadline each message handler runs under: its
	// context is derived from the consume ctx with this timeout. Cancelling
	// ctx cancels in-flight handlers as well; there is no separate grace
	// period for them to finish after cancellation.
	DrainTimeout time.Duration
}

// DefaultConfig matches §5/§6's named defaults.
func DefaultConfig() Config {
	return Config{Prefetch: 10, DeadLetterAfter: 5, Concurrency: 10, DrainTimeout: 5 * time.Minute}
}

// Connect dials queueURL and declares both streams/consumers idempotently.
func Connect(ctx context.Context, queueURL string, cfg Config, logger *log.Logger) (*Fabric, error) {
	conn, err := nats.Connect(queueURL,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, model.Classify(model.ClassUpstreamTransient, fmt.Errorf("connecting to queue broker: %w", err))
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, model.Classify(model.ClassUpstreamTransient, fmt.Errorf("creating jetstream context: %w", err))
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.Prefetch
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}

	f := &Fabric{conn: conn, js: js, logger: logger, cfg: cfg}
	if err := f.ensureStream(ctx, extractionStream, []string{extractionSubject, extractionSubject + deadLetterSuffix}); err != nil {
		return nil, err
	}
	if err := f.ensureStream(ctx, consolidationStream, []string{consolidationSubject, consolidationSubject + deadLetterSuffix}); err != nil {
		return nil, err
	}
	if err := f.ensureConsumer(ctx, extractionStream, extractionConsumer, extractionSubject, cfg); err != nil {
		return nil, err
	}
	if err := f.ensureConsumer(ctx, consolidationStream, consolidationConsumer, consolidationSubject, cfg); err != nil {
		return nil, err
	}
	return f, nil
}

// Close closes the broker connection without draining it.
func (f *Fabric) Close() {
	f.conn.Close()
}

func (f *Fabric) ensureStream(ctx context.Context, name string, subjects []string) error {
	_, err := f.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("declaring stream %s: %w", name, err))
	}
	return nil
}

func (f *Fabric) ensureConsumer(ctx context.Context, stream, durable, filterSubject string, cfg Config) error {
	_, err := f.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    cfg.DeadLetterAfter,
		MaxAckPending: cfg.Prefetch,
	})
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("declaring consumer %s: %w", durable, err))
	}
	return nil
}

// PublishExtraction enqueues an extraction.requests message.
func (f *Fabric) PublishExtraction(ctx context.Context, jobID string, payload model.ExtractionJobPayload) error {
	msg := extractionMessage{JobID: jobID, SessionID: payload.SessionID.String(), Scope: payload.Scope}
	if uid, ok := payload.Scope["user_id"]; ok {
		msg.UserID = uid
	}
	return f.publish(ctx, extractionSubject, msg)
}

// PublishConsolidation enqueues a new consolidation.requests message,
// implementing coordinator.JobPublisher.
func (f *Fabric) PublishConsolidation(ctx context.Context, payload model.ConsolidationJobPayload) error {
	msg := consolidationMessage{
		JobID:           uuid.NewString(),
		Scope:           payload.Scope,
		MaxMemories:     payload.MaxMemories,
		DetectConflicts: payload.DetectConflicts,
	}
	return f.publish(ctx, consolidationSubject, msg)
}

func (f *Fabric) publish(ctx context.Context, subject string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return model.Classify(model.ClassInvalidInput, err)
	}
	if _, err := f.js.Publish(ctx, subject, body); err != nil {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("publishing to %s: %w", subject, err))
	}
	return nil
}

// Handler processes one decoded message and reports whether it
// succeeded (ack) or should be retried (nack).
type Handler func(ctx context.Context, body []byte) error

// ConsumeExtraction pulls from the extraction-worker consumer until ctx
// is cancelled, dispatching each message to handle.
func (f *Fabric) ConsumeExtraction(ctx context.Context, handle Handler) error {
	return f.consume(ctx, extractionStream, extractionConsumer, extractionSubject, handle)
}

// ConsumeConsolidation pulls from the consolidation-worker consumer
// until ctx is cancelled, dispatching each message to handle.
func (f *Fabric) ConsumeConsolidation(ctx context.Context, handle Handler) error {
	return f.consume(ctx, consolidationStream, consolidationConsumer, consolidationSubject, handle)
}

// msgJob adapts one delivered message into the generic WorkerPool's
// Job[T] shape, so the batch fetched per prefetch window fans out
// across concurrent in-process tasks, per §5's "lightweight task per
// in-flight message up to prefetch_count".
type msgJob struct {
	msg          jetstream.Msg
	subject      string
	handle       Handler
	deadLetterAt int
	fabric       *Fabric
}

func (j *msgJob) Process(ctx context.Context) (struct{}, error) {
	err := j.handle(ctx, j.msg.Data())
	if err != nil {
		meta, metaErr := j.msg.Metadata()
		if metaErr == nil && meta.NumDelivered >= uint64(j.deadLetterAt) {
			j.fabric.deadLetter(ctx, j.subject, j.msg)
			_ = j.msg.Ack()
			return struct{}{}, err
		}
		_ = j.msg.Nak()
		return struct{}{}, err
	}
	_ = j.msg.Ack()
	return struct{}{}, nil
}

func (f *Fabric) consume(ctx context.Context, stream, durable, subject string, handle Handler) error {
	cons, err := f.js.Consumer(ctx, stream, durable)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("binding consumer %s: %w", durable, err))
	}

	cfg := f.cfg
	pool := NewWorkerPool[*msgJob, struct{}](cfg.Concurrency, f.logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := cons.Fetch(cfg.Prefetch, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("fetch failed, retrying", "consumer", durable, "error", err)
			continue
		}

		var jobs []*msgJob
		for msg := range batch.Messages() {
			jobs = append(jobs, &msgJob{msg: msg, subject: subject, handle: handle, deadLetterAt: cfg.DeadLetterAfter, fabric: f})
		}
		if err := batch.Error(); err != nil && ctx.Err() == nil {
			f.logger.Warn("batch error", "consumer", durable, "error", err)
		}
		if len(jobs) == 0 {
			continue
		}

		for res := range pool.Process(ctx, jobs, cfg.DrainTimeout) {
			if res.Error != nil {
				f.logger.Warn("job handler failed, nacked for redelivery", "error", res.Error)
			}
		}
	}
}

// deadLetter republishes the message to its stream's dead-letter
// subject, preserving the original subject in a header, per §5's "dead-
// letter exchange receives messages after N redeliveries with original
// routing key preserved".
func (f *Fabric) deadLetter(ctx context.Context, subject string, msg jetstream.Msg) {
	header := nats.Header{}
	header.Set(originalSubjectHeader, subject)
	_, err := f.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject + deadLetterSuffix,
		Data:    msg.Data(),
		Header:  header,
	})
	if err != nil {
		f.logger.Error("failed to publish to dead-letter subject", "subject", subject, "error", err)
	}
}
