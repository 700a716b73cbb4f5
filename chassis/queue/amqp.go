package queue

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	log "github.com/freundallein/corrector/chassis/logging"
)

// Topology - queues of the correction pipeline
type Topology struct {
	Main       string
	Retry      string
	DLQ        string
	RetryDelay time.Duration
}

// RetryArgs - the retry queue holds a message for RetryDelay and then
// dead-letters it back to the main queue through the default exchange.
func (t Topology) RetryArgs() amqp.Table {
	return amqp.Table{
		"x-message-ttl":             t.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Main,
	}
}

// Broker - AMQP connection with one shared channel
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	// publishes on ch are serialised
	mu sync.Mutex
}

// DialBroker ...
func DialBroker(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.WithFields(log.Fields{
		"event": "broker_connected",
		"queue": "amqp",
	}).Debug("channel opened")
	return &Broker{conn: conn, ch: ch}, nil
}

// Qos caps unacknowledged deliveries on the channel.
func (b *Broker) Qos(prefetch int) error {
	return b.ch.Qos(prefetch, 0, false)
}

// DeclareQueue declares a durable queue without arguments.
func (b *Broker) DeclareQueue(name string) error {
	_, err := b.ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

// DeclareTopology declares the main, retry and dead-letter queues.
func (b *Broker) DeclareTopology(t Topology) error {
	if err := b.DeclareQueue(t.Main); err != nil {
		return err
	}
	if _, err := b.ch.QueueDeclare(t.Retry, true, false, false, false, t.RetryArgs()); err != nil {
		return err
	}
	return b.DeclareQueue(t.DLQ)
}

// Consume starts a manually acknowledged consumer.
func (b *Broker) Consume(queue, tag string) (<-chan amqp.Delivery, error) {
	return b.ch.Consume(queue, tag, false, false, false, false, nil)
}

// Cancel stops deliveries to the consumer; its delivery channel gets closed.
func (b *Broker) Cancel(tag string) error {
	return b.ch.Cancel(tag, false)
}

// Publish sends msg to queue through the default exchange.
func (b *Broker) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.PublishWithContext(ctx, "", queue, false, false, msg)
}

// NotifyClose reports connection loss.
func (b *Broker) NotifyClose() <-chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close ...
func (b *Broker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
