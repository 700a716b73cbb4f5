package worker

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	log "github.com/freundallein/corrector/chassis/logging"
	"github.com/freundallein/corrector/chassis/metrics"
	"github.com/freundallein/corrector/chassis/notify"
	"github.com/freundallein/corrector/chassis/protocol"
	"github.com/freundallein/corrector/chassis/queue"
	"github.com/freundallein/corrector/chassis/storage"
)

const settleTimeout = 10 * time.Second

// Publisher - republishes deliveries to the retry and dead-letter queues
type Publisher interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Caller - request/reply transport to the checker
type Caller interface {
	Call(ctx context.Context, procedure string, body []byte) ([]byte, error)
}

// Notifier - receives an event after a submission is corrected
type Notifier interface {
	Notify(ctx context.Context, event notify.Event) error
}

// TaskConfig ...
type TaskConfig struct {
	RetryQueue  string
	DLQ         string
	MaxRetries  int
	CallTimeout time.Duration
	Format      protocol.Format
}

// Task processes one delivery: correct, persist, then settle it exactly once.
type Task struct {
	cfg      TaskConfig
	repo     storage.Repository
	rpc      Caller
	pub      Publisher
	notifier Notifier
}

// NewTask ... notifier may be nil.
func NewTask(cfg TaskConfig, repo storage.Repository, rpc Caller, pub Publisher, notifier Notifier) *Task {
	if cfg.Format == "" {
		cfg.Format = protocol.FormatPositional
	}
	return &Task{
		cfg:      cfg,
		repo:     repo,
		rpc:      rpc,
		pub:      pub,
		notifier: notifier,
	}
}

// Handle runs the delivery to completion. ctx is cancelled only when the
// worker gives up waiting for in-flight tasks on shutdown.
func (t *Task) Handle(ctx context.Context, d amqp.Delivery) Result {
	res := t.correct(ctx, d)
	t.settle(d, res)
	metrics.TaskOutcomes.WithLabelValues(res.Outcome.String()).Inc()
	return res
}

func (t *Task) correct(ctx context.Context, d amqp.Delivery) Result {
	req, err := protocol.ParseRequest(d.Body)
	if err != nil {
		return permanent(nil, err)
	}
	key := keyOf(req)

	if _, err := t.repo.FindAssignment(ctx, req.TaskID); err != nil {
		return classify(ctx, req, err)
	}
	link, err := t.repo.FindSubmission(ctx, key)
	if err != nil {
		return classify(ctx, req, err)
	}
	if !storage.CanTransition(link.Status, storage.CORRECTING) {
		return permanent(req, storage.ErrInvalidTransition)
	}
	body, err := req.Encode(t.cfg.Format)
	if err != nil {
		return permanent(req, err)
	}
	if err := t.repo.MarkCorrecting(ctx, key); err != nil {
		return classify(ctx, req, err)
	}
	log.WithFields(log.Fields{
		"event":     "correction_started",
		"student":   req.StudentID,
		"task":      req.TaskID,
		"language":  req.Language,
		"retry":     queue.RetryCount(d.Headers),
		"delivery":  d.DeliveryTag,
		"requestID": d.MessageId,
	}).Info(req)

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()
	started := time.Now()
	answer, err := t.rpc.Call(callCtx, req.Language, body)
	metrics.RPCCallSeconds.WithLabelValues(req.Language).Observe(time.Since(started).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(req, err)
		}
		return transient(req, err)
	}
	correction, err := protocol.ParseReply(answer)
	if err != nil {
		return transient(req, err)
	}
	return corrected(req, correction)
}

// classify maps a store error: missing rows and foreign states cannot be
// fixed by retrying, anything else might.
func classify(ctx context.Context, req *protocol.CorrectionRequest, err error) Result {
	switch {
	case ctx.Err() != nil:
		return interrupted(req, err)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidTransition):
		return permanent(req, err)
	default:
		return transient(req, err)
	}
}

// settle uses its own deadline: a task interrupted after its final write
// must still be able to ack or republish.
func (t *Task) settle(d amqp.Delivery, res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	switch res.Outcome {
	case Corrected:
		key := keyOf(res.Request)
		doc, err := res.Correction.JSON()
		if err == nil {
			err = t.repo.MarkCorrected(ctx, key, doc)
		}
		if err != nil {
			log.WithFields(log.Fields{
				"event":   "store_correction_failed",
				"student": key.StudentID,
				"task":    key.AssignmentID,
			}).Error(err)
			t.deadLetter(ctx, d, "store_failed", err)
			return
		}
		t.ack(d)
		log.WithFields(log.Fields{
			"event":   "correction_stored",
			"student": key.StudentID,
			"task":    key.AssignmentID,
		}).Info(string(doc))
		t.notify(ctx, key)
	case Transient:
		retries := queue.RetryCount(d.Headers)
		if retries < t.cfg.MaxRetries {
			t.retry(ctx, d, retries+1, res.Err)
			return
		}
		if res.Request != nil {
			key := keyOf(res.Request)
			if err := t.repo.MarkRejected(ctx, key); err != nil {
				log.WithFields(log.Fields{
					"event":   "store_rejection_failed",
					"student": key.StudentID,
					"task":    key.AssignmentID,
				}).Error(err)
			}
		}
		t.deadLetter(ctx, d, "retries_exhausted", res.Err)
	case Permanent:
		t.deadLetter(ctx, d, "invalid", res.Err)
	case Interrupted:
		log.WithFields(log.Fields{
			"event":    "task_interrupted",
			"delivery": d.DeliveryTag,
		}).Warn(res.Err)
		t.nack(d)
	}
}

func (t *Task) retry(ctx context.Context, d amqp.Delivery, retries int, cause error) {
	err := t.pub.Publish(ctx, t.cfg.RetryQueue, republish(d, queue.WithRetryCount(d.Headers, retries)))
	if err != nil {
		log.WithFields(log.Fields{
			"event":    "retry_publish_failed",
			"delivery": d.DeliveryTag,
		}).Error(err)
		t.nack(d)
		return
	}
	metrics.Retries.Inc()
	log.WithFields(log.Fields{
		"event":    "correction_retry",
		"delivery": d.DeliveryTag,
		"retry":    retries,
	}).Warn(cause)
	t.ack(d)
}

func (t *Task) deadLetter(ctx context.Context, d amqp.Delivery, reason string, cause error) {
	lastError := reason
	if cause != nil {
		lastError = cause.Error()
	}
	err := t.pub.Publish(ctx, t.cfg.DLQ, republish(d, queue.WithHeader(d.Headers, queue.LastErrorHeader, lastError)))
	if err != nil {
		log.WithFields(log.Fields{
			"event":    "dlq_publish_failed",
			"delivery": d.DeliveryTag,
		}).Error(err)
		t.nack(d)
		return
	}
	metrics.DeadLetters.WithLabelValues(reason).Inc()
	log.WithFields(log.Fields{
		"event":    "correction_dead_lettered",
		"delivery": d.DeliveryTag,
		"reason":   reason,
	}).Error(cause)
	t.ack(d)
}

func (t *Task) notify(ctx context.Context, key storage.Key) {
	if t.notifier == nil {
		return
	}
	event := notify.Event{
		ID:         key.StudentID,
		PracticeID: key.AssignmentID,
		Status:     "corrected",
	}
	if err := t.notifier.Notify(ctx, event); err != nil {
		log.WithFields(log.Fields{
			"event":   "notify_failed",
			"student": key.StudentID,
			"task":    key.AssignmentID,
		}).Warn(err)
	}
}

func (t *Task) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		log.WithFields(log.Fields{
			"event":    "ack_message_failed",
			"delivery": d.DeliveryTag,
		}).Error(err)
	}
}

func (t *Task) nack(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		log.WithFields(log.Fields{
			"event":    "nack_message_failed",
			"delivery": d.DeliveryTag,
		}).Error(err)
	}
}

// republish copies d with new headers; the body is carried unchanged.
func republish(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	mode := d.DeliveryMode
	if mode == 0 {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    mode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

func keyOf(req *protocol.CorrectionRequest) storage.Key {
	return storage.Key{StudentID: req.StudentID, AssignmentID: req.TaskID}
}
