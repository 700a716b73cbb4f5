package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	log "github.com/freundallein/corrector/chassis/logging"
	"github.com/freundallein/corrector/chassis/metrics"
	"github.com/freundallein/corrector/chassis/queue"
	"github.com/freundallein/corrector/chassis/storage"
)

// cancelGrace - how long cancelled tasks get to hand their messages back
const cancelGrace = 5 * time.Second

// ErrDeliveriesClosed - the broker stopped delivering, usually a lost connection
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Broker - the subset of queue.Broker the worker drives
type Broker interface {
	Publisher
	Qos(prefetch int) error
	DeclareTopology(t queue.Topology) error
	Consume(queue, tag string) (<-chan amqp.Delivery, error)
	Cancel(tag string) error
	Close() error
}

// RPC - checker transport owned by the worker
type RPC interface {
	Caller
	Close() error
}

// Config ...
type Config struct {
	Topology       queue.Topology
	ConsumerTag    string
	MaxConcurrency int
	MaxRetries     int
	DrainTimeout   time.Duration
	Task           TaskConfig
}

// Worker consumes correction requests and runs each one as a Task.
type Worker struct {
	cfg    Config
	broker Broker
	rpc    RPC
	repo   storage.Repository
	task   *Task

	sem   *semaphore.Weighted
	group sync.WaitGroup

	mu   sync.Mutex
	live map[uint64]context.CancelFunc

	tasksCtx    context.Context
	cancelTasks context.CancelFunc

	deliveries <-chan amqp.Delivery
	loopDone   chan struct{}
	stopOnce   sync.Once
}

// New ...
func New(cfg Config, broker Broker, rpc RPC, repo storage.Repository, notifier Notifier) *Worker {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "corrector"
	}
	cfg.Task.RetryQueue = cfg.Topology.Retry
	cfg.Task.DLQ = cfg.Topology.DLQ
	cfg.Task.MaxRetries = cfg.MaxRetries
	tasksCtx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:         cfg,
		broker:      broker,
		rpc:         rpc,
		repo:        repo,
		task:        NewTask(cfg.Task, repo, rpc, broker, notifier),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		live:        map[uint64]context.CancelFunc{},
		tasksCtx:    tasksCtx,
		cancelTasks: cancel,
		loopDone:    make(chan struct{}),
	}
}

// Start sets prefetch, declares the queues and subscribes to the main queue.
func (w *Worker) Start() error {
	if err := w.broker.Qos(w.cfg.MaxConcurrency); err != nil {
		return err
	}
	if err := w.broker.DeclareTopology(w.cfg.Topology); err != nil {
		return err
	}
	deliveries, err := w.broker.Consume(w.cfg.Topology.Main, w.cfg.ConsumerTag)
	if err != nil {
		return err
	}
	w.deliveries = deliveries
	log.WithFields(log.Fields{
		"event":          "start_service",
		"queue":          w.cfg.Topology.Main,
		"maxConcurrency": w.cfg.MaxConcurrency,
		"maxRetries":     w.cfg.MaxRetries,
	}).Info("consuming")
	return nil
}

// Run dispatches deliveries until ctx is done or the delivery channel closes.
// Stop must be called afterwards in either case.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.loopDone)
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event": "ctx_canceled",
			}).Info("stop consuming")
			return nil
		case d, ok := <-w.deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			w.dispatch(d)
		}
	}
}

func (w *Worker) dispatch(d amqp.Delivery) {
	ctx, cancel := context.WithCancel(w.tasksCtx)
	w.mu.Lock()
	w.live[d.DeliveryTag] = cancel
	w.mu.Unlock()

	w.group.Add(1)
	go func() {
		defer w.group.Done()
		defer w.forget(d.DeliveryTag)
		if err := w.sem.Acquire(ctx, 1); err != nil {
			if nackErr := d.Nack(false, true); nackErr != nil {
				log.WithFields(log.Fields{
					"event":    "nack_message_failed",
					"delivery": d.DeliveryTag,
				}).Error(nackErr)
			}
			return
		}
		defer w.sem.Release(1)
		metrics.TasksInflight.Inc()
		defer metrics.TasksInflight.Dec()
		w.task.Handle(ctx, d)
	}()
}

func (w *Worker) forget(tag uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.live[tag]; ok {
		cancel()
		delete(w.live, tag)
	}
}

// Live - number of dispatched tasks not yet settled
func (w *Worker) Live() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.live)
}

// Stop cancels the consumer, drains in-flight tasks within DrainTimeout,
// cancels whatever is left and closes the store, RPC and broker.
func (w *Worker) Stop() {
	w.stopOnce.Do(w.stop)
}

func (w *Worker) stop() {
	if err := w.broker.Cancel(w.cfg.ConsumerTag); err != nil {
		log.WithFields(log.Fields{
			"event": "consumer_cancel_failed",
		}).Error(err)
	}
	if w.deliveries != nil {
		select {
		case <-w.loopDone:
		case <-time.After(w.cfg.DrainTimeout):
			log.WithFields(log.Fields{
				"event": "consume_loop_stuck",
			}).Warn("dispatch loop did not exit")
		}
	}
	if !w.wait(w.cfg.DrainTimeout) {
		log.WithFields(log.Fields{
			"event": "drain_timeout",
			"live":  w.Live(),
		}).Warn("cancelling in-flight tasks")
		w.cancelTasks()
		if !w.wait(cancelGrace) {
			log.WithFields(log.Fields{
				"event": "drain_abandoned",
				"live":  w.Live(),
			}).Error("tasks still running")
		}
	}
	w.cancelTasks()

	w.repo.Close()
	if err := w.rpc.Close(); err != nil {
		log.WithFields(log.Fields{
			"event": "rpc_close_failed",
		}).Error(err)
	}
	if err := w.broker.Close(); err != nil {
		log.WithFields(log.Fields{
			"event": "broker_close_failed",
		}).Error(err)
	}
	log.WithFields(log.Fields{
		"event": "stop_service",
	}).Info("worker stopped")
}

func (w *Worker) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
