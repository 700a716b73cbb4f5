package dlqrelay

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"

	log "github.com/freundallein/corrector/chassis/logging"
	"github.com/freundallein/corrector/chassis/metrics"
	"github.com/freundallein/corrector/chassis/monkey"
	"github.com/freundallein/corrector/chassis/queue"
)

const replayBackoff = time.Second

// Broker - the subset of queue.Broker the relay needs
type Broker interface {
	DeclareQueue(name string) error
	Consume(queue, tag string) (<-chan amqp.Delivery, error)
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Config ...
type Config struct {
	Broker    Broker
	Queue     queue.Client
	DLQ       string
	MainQueue string
	Workers   int
	Monkey    *monkey.Monkey
}

// attributes carries the dead-letter headers as SQS message attributes.
func attributes(d amqp.Delivery) map[string]string {
	attrs := map[string]string{
		queue.RetryCountHeader: strconv.Itoa(queue.RetryCount(d.Headers)),
	}
	if v, ok := d.Headers[queue.LastErrorHeader].(string); ok && v != "" {
		attrs[queue.LastErrorHeader] = v
	}
	if d.MessageId != "" {
		attrs["message_id"] = d.MessageId
	}
	return attrs
}

// forward ships one dead letter to SQS; ack only after SQS accepted it.
func forward(ctx context.Context, cfg *Config, d amqp.Delivery) error {
	if !utf8.Valid(d.Body) {
		log.WithFields(log.Fields{
			"event":    "dead_letter_not_utf8",
			"delivery": d.DeliveryTag,
		}).Error("dropping binary dead letter")
		return d.Ack(false)
	}
	err := cfg.Queue.SendMessage(ctx, string(d.Body), attributes(d))
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			err = errors.Join(err, nackErr)
		}
		return err
	}
	metrics.RelayForwarded.Inc()
	return d.Ack(false)
}

func worker(ctx context.Context, cfg *Config, deliveries <-chan amqp.Delivery, workerID int, group *sync.WaitGroup) {
	defer group.Done()
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event":  "ctx_canceled",
				"worker": workerID,
			}).Info("exit goroutine")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.WithFields(log.Fields{
					"event":  "deliveries_closed",
					"worker": workerID,
				}).Warn("exit goroutine")
				return
			}
			if err := forward(ctx, cfg, d); err != nil {
				log.WithFields(log.Fields{
					"event":  "dead_letter_forward_failed",
					"worker": workerID,
				}).Error(err)
				continue
			}
			log.WithFields(log.Fields{
				"event":     "dead_letter_forwarded",
				"worker":    workerID,
				"lastError": d.Headers[queue.LastErrorHeader],
			}).Info("forwarded to sqs")
		}
	}
}

// Run forwards the dead-letter queue to SQS with cfg.Workers goroutines.
func Run(ctx context.Context, cfg *Config, group *sync.WaitGroup) error {
	if err := cfg.Broker.DeclareQueue(cfg.DLQ); err != nil {
		return err
	}
	deliveries, err := cfg.Broker.Consume(cfg.DLQ, "dlqrelay")
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event": "start_service",
		"queue": cfg.DLQ,
	}).Info("starting ", cfg.Workers, " workers")
	for wrk := 1; wrk <= cfg.Workers; wrk++ {
		group.Add(1)
		go worker(ctx, cfg, deliveries, wrk, group)
	}
	return nil
}

// replayOne moves one SQS message back to the main queue with a fresh retry budget.
func replayOne(ctx context.Context, cfg *Config) error {
	msg, err := cfg.Queue.ReceiveMessage(ctx)
	if err != nil {
		return err
	}
	err = cfg.Broker.Publish(ctx, cfg.MainQueue, amqp.Publishing{
		Headers:      queue.WithRetryCount(nil, 0),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Attributes["message_id"],
		Body:         []byte(msg.Body),
	})
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event":     "dead_letter_replayed",
		"lastError": msg.Attributes[queue.LastErrorHeader],
		"retries":   msg.Attributes[queue.RetryCountHeader],
	}).Info(msg.ID)
	return cfg.Queue.Acknowledge(ctx, msg)
}

// Replay drains the SQS queue back into the main queue until ctx ends.
func Replay(ctx context.Context, cfg *Config, group *sync.WaitGroup) {
	log.WithFields(log.Fields{
		"event": "start_replay",
		"queue": cfg.MainQueue,
	}).Info("replaying dead letters")
	group.Add(1)
	go func() {
		defer group.Done()
		for ctx.Err() == nil {
			err := replayOne(ctx, cfg)
			switch {
			case err == nil, errors.Is(err, queue.ErrNoMessage):
			case ctx.Err() != nil:
			default:
				log.WithFields(log.Fields{
					"event": "dead_letter_replay_failed",
				}).Error(err)
				select {
				case <-ctx.Done():
				case <-time.After(replayBackoff):
				}
			}
		}
		log.WithFields(log.Fields{
			"event": "ctx_canceled",
		}).Info("exit goroutine")
	}()
}
