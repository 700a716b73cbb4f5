package checker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	log "github.com/freundallein/corrector/chassis/logging"
	"github.com/freundallein/corrector/chassis/metrics"
	"github.com/freundallein/corrector/chassis/monkey"
	"github.com/freundallein/corrector/chassis/protocol"
)

// Broker - the subset of queue.Broker the checker needs
type Broker interface {
	Qos(prefetch int) error
	DeclareQueue(name string) error
	Consume(queue, tag string) (<-chan amqp.Delivery, error)
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Config ...
type Config struct {
	Broker    Broker
	Languages []string
	Workers   int
	MinDelay  time.Duration
	MaxDelay  time.Duration
	Monkey    *monkey.Monkey
}

// Checker answers correction calls with simulated reports.
type Checker struct {
	cfg      *Config
	grader   *grader
	handlers map[string]Handler
}

// New ...
func New(cfg *Config) *Checker {
	g := newGrader(time.Now().UnixNano())
	return &Checker{
		cfg:      cfg,
		grader:   g,
		handlers: g.handlers(),
	}
}

// Answer builds the reply body for one call on the language queue.
// It returns nil if ctx ends before grading finishes.
func (c *Checker) Answer(ctx context.Context, language string, body []byte) []byte {
	req, err := decode(language, body)
	if err != nil {
		return errorBody("Invalid request format. %v", err)
	}
	handler, ok := c.handlers[language]
	if !ok {
		return errorBody("Unsupported language %q", language)
	}
	if !c.sleep(ctx) {
		return nil
	}
	if err := c.cfg.Monkey.RandomizeError(nil); err != nil {
		return errorBody("Compilation failed for %s/%s", req.StudentID, req.Task)
	}
	report, err := handler(ctx, req)
	if err != nil {
		return errorBody("%v", err)
	}
	out, err := json.Marshal(report)
	if err != nil {
		return errorBody("Internal server error during correction")
	}
	return out
}

// decode accepts the positional body and the JSON request document.
func decode(language string, body []byte) (*protocol.CorrectionRequest, error) {
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		return protocol.ParseRequest(trimmed)
	}
	req, err := protocol.ParsePositional(body)
	if err != nil {
		return nil, err
	}
	req.Language = language
	return req, nil
}

func errorBody(format string, args ...interface{}) []byte {
	return []byte("Error: " + fmt.Sprintf(format, args...))
}

func (c *Checker) sleep(ctx context.Context) bool {
	delay := c.cfg.MinDelay
	if spread := c.cfg.MaxDelay - c.cfg.MinDelay; spread > 0 {
		delay += time.Duration(c.grader.intn(int(spread)))
	}
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Checker) serve(ctx context.Context, language string, d amqp.Delivery) error {
	answer := c.Answer(ctx, language, d.Body)
	if answer == nil {
		return d.Nack(false, true)
	}
	result := "report"
	if bytes.HasPrefix(answer, []byte("Error:")) {
		result = "error"
	}
	metrics.CheckerRequests.WithLabelValues(language, result).Inc()
	if d.ReplyTo == "" {
		log.WithFields(log.Fields{
			"event":    "reply_to_missing",
			"language": language,
		}).Warn("dropping call without reply queue")
		return d.Ack(false)
	}
	err := c.cfg.Broker.Publish(ctx, d.ReplyTo, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          answer,
	})
	if err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			err = errors.Join(err, nackErr)
		}
		return err
	}
	log.WithFields(log.Fields{
		"event":         "reply_sent",
		"language":      language,
		"correlationID": d.CorrelationId,
		"result":        result,
	}).Info(d.ReplyTo)
	return d.Ack(false)
}

func worker(ctx context.Context, c *Checker, language string, deliveries <-chan amqp.Delivery, workerID int, group *sync.WaitGroup) {
	defer group.Done()
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event":    "ctx_canceled",
				"worker":   workerID,
				"language": language,
			}).Info("exit goroutine")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.WithFields(log.Fields{
					"event":    "deliveries_closed",
					"worker":   workerID,
					"language": language,
				}).Warn("exit goroutine")
				return
			}
			if err := c.serve(ctx, language, d); err != nil {
				log.WithFields(log.Fields{
					"event":    "reply_failed",
					"worker":   workerID,
					"language": language,
				}).Error(err)
			}
		}
	}
}

// Run declares one queue per language and starts cfg.Workers goroutines on each.
func Run(ctx context.Context, cfg *Config, group *sync.WaitGroup) error {
	c := New(cfg)
	if err := cfg.Broker.Qos(cfg.Workers * len(cfg.Languages)); err != nil {
		return err
	}
	for _, language := range cfg.Languages {
		if err := cfg.Broker.DeclareQueue(language); err != nil {
			return err
		}
		deliveries, err := cfg.Broker.Consume(language, "checker-"+language)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"event":    "start_service",
			"language": language,
		}).Info("starting ", cfg.Workers, " workers")
		for wrk := 1; wrk <= cfg.Workers; wrk++ {
			group.Add(1)
			go worker(ctx, c, language, deliveries, wrk, group)
		}
	}
	return nil
}
