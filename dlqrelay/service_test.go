package dlqrelay

import (
	"context"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/freundallein/corrector/chassis/queue"
)

type sqsMessage struct {
	body  string
	attrs map[string]string
}

type fakeSQS struct {
	mu       sync.Mutex
	err      error
	sent     []sqsMessage
	inbox    []*queue.RecvMessage
	received []string
}

func (q *fakeSQS) SendMessage(ctx context.Context, message string, attributes map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, sqsMessage{body: message, attrs: attributes})
	return nil
}

func (q *fakeSQS) ReceiveMessage(ctx context.Context) (*queue.RecvMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inbox) == 0 {
		return nil, queue.ErrNoMessage
	}
	msg := q.inbox[0]
	q.inbox = q.inbox[1:]
	return msg, nil
}

func (q *fakeSQS) Acknowledge(ctx context.Context, message *queue.RecvMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.received = append(q.received, message.ID)
	return nil
}

type fakeBroker struct {
	deliveries chan amqp.Delivery
	published  map[string][]amqp.Publishing
}

func (b *fakeBroker) DeclareQueue(name string) error { return nil }

func (b *fakeBroker) Consume(queue, tag string) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *fakeBroker) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if b.published == nil {
		b.published = map[string][]amqp.Publishing{}
	}
	b.published[queue] = append(b.published[queue], msg)
	return nil
}

type fakeAcker struct {
	mu             sync.Mutex
	acks, requeues int
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeues++
	}
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func deadLetter(acker amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  1,
		MessageId:    "m-1",
		Headers:      amqp.Table{queue.RetryCountHeader: int32(3), queue.LastErrorHeader: "checker error: disk full"},
		Body:         []byte(`{"student_id":"niub1"}`),
	}
}

func TestForwardCarriesHeaders(t *testing.T) {
	sqs := &fakeSQS{}
	acker := &fakeAcker{}
	if err := forward(context.Background(), &Config{Queue: sqs}, deadLetter(acker)); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(sqs.sent) != 1 {
		t.Fatalf("sent %d messages", len(sqs.sent))
	}
	got := sqs.sent[0]
	if got.body != `{"student_id":"niub1"}` {
		t.Fatalf("body = %q", got.body)
	}
	if got.attrs["retry_count"] != "3" || got.attrs["last_error"] != "checker error: disk full" || got.attrs["message_id"] != "m-1" {
		t.Fatalf("attributes = %v", got.attrs)
	}
	if acker.acks != 1 || acker.requeues != 0 {
		t.Fatalf("acks=%d requeues=%d", acker.acks, acker.requeues)
	}
}

func TestForwardFailureRequeues(t *testing.T) {
	sqs := &fakeSQS{err: errors.New("throttled")}
	acker := &fakeAcker{}
	if err := forward(context.Background(), &Config{Queue: sqs}, deadLetter(acker)); err == nil {
		t.Fatalf("expected error")
	}
	if acker.acks != 0 || acker.requeues != 1 {
		t.Fatalf("acks=%d requeues=%d", acker.acks, acker.requeues)
	}
}

func TestRunForwardsUntilClosed(t *testing.T) {
	sqs := &fakeSQS{}
	acker := &fakeAcker{}
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 2)}
	broker.deliveries <- deadLetter(acker)
	broker.deliveries <- deadLetter(acker)
	close(broker.deliveries)

	var group sync.WaitGroup
	cfg := &Config{Broker: broker, Queue: sqs, DLQ: "practicas.dlq", Workers: 2}
	if err := Run(context.Background(), cfg, &group); err != nil {
		t.Fatalf("run: %v", err)
	}
	group.Wait()
	if len(sqs.sent) != 2 || acker.acks != 2 {
		t.Fatalf("sent=%d acks=%d", len(sqs.sent), acker.acks)
	}
}

func TestReplayOneResetsRetries(t *testing.T) {
	sqs := &fakeSQS{inbox: []*queue.RecvMessage{{
		ID:         "sqs-1",
		Body:       `{"student_id":"niub1"}`,
		Attributes: map[string]string{"retry_count": "3", "message_id": "m-1"},
	}}}
	broker := &fakeBroker{}
	cfg := &Config{Broker: broker, Queue: sqs, MainQueue: "practicas"}
	if err := replayOne(context.Background(), cfg); err != nil {
		t.Fatalf("replay: %v", err)
	}
	msgs := broker.published["practicas"]
	if len(msgs) != 1 || string(msgs[0].Body) != `{"student_id":"niub1"}` {
		t.Fatalf("published = %+v", msgs)
	}
	if queue.RetryCount(msgs[0].Headers) != 0 || msgs[0].MessageId != "m-1" {
		t.Fatalf("headers = %v id=%q", msgs[0].Headers, msgs[0].MessageId)
	}
	if len(sqs.received) != 1 || sqs.received[0] != "sqs-1" {
		t.Fatalf("acknowledged = %v", sqs.received)
	}
	if err := replayOne(context.Background(), cfg); !errors.Is(err, queue.ErrNoMessage) {
		t.Fatalf("empty queue: %v", err)
	}
}
