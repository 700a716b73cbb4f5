package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/freundallein/corrector/chassis/notify"
	"github.com/freundallein/corrector/chassis/queue"
	"github.com/freundallein/corrector/chassis/storage"
)

type settlement struct {
	ack     bool
	requeue bool
}

// fakeAcker records how each delivery tag was settled.
type fakeAcker struct {
	mu      sync.Mutex
	settled map[uint64][]settlement
}

func newFakeAcker() *fakeAcker {
	return &fakeAcker{settled: map[uint64][]settlement{}}
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = append(a.settled[tag], settlement{ack: true})
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = append(a.settled[tag], settlement{requeue: requeue})
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) get(tag uint64) []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.settled[tag]...)
}

type published struct {
	queue string
	msg   amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []published
}

func (p *fakePublisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{queue: queue, msg: msg})
	return nil
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

type callFunc func(ctx context.Context, procedure string, body []byte) ([]byte, error)

type fakeCaller struct {
	call   callFunc
	mu     sync.Mutex
	bodies [][]byte
	closed bool
}

func (c *fakeCaller) Call(ctx context.Context, procedure string, body []byte) ([]byte, error) {
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()
	return c.call(ctx, procedure, body)
}

func (c *fakeCaller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeRepo is an in-memory store applying the same transition guards as PostgreSQL.
type fakeRepo struct {
	mu          sync.Mutex
	assignments map[string]*storage.Assignment
	links       map[storage.Key]*storage.SubmissionLink
	writes      int
	failFinal   error
	closed      bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		assignments: map[string]*storage.Assignment{},
		links:       map[storage.Key]*storage.SubmissionLink{},
	}
}

func (r *fakeRepo) add(student, assignment string, status storage.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[assignment] = &storage.Assignment{ID: assignment, Name: "p1", Language: "python"}
	key := storage.Key{StudentID: student, AssignmentID: assignment}
	r.links[key] = &storage.SubmissionLink{StudentID: student, AssignmentID: assignment, Status: status}
}

func (r *fakeRepo) link(student, assignment string) storage.SubmissionLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.links[storage.Key{StudentID: student, AssignmentID: assignment}]
}

func (r *fakeRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func (r *fakeRepo) FindAssignment(ctx context.Context, id string) (*storage.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assignments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a, nil
}

func (r *fakeRepo) FindSubmission(ctx context.Context, key storage.Key) (*storage.SubmissionLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *fakeRepo) move(key storage.Key, to storage.Status, correction []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[key]
	if !ok || !storage.CanTransition(l.Status, to) {
		return storage.ErrInvalidTransition
	}
	r.writes++
	l.Status = to
	if correction != nil {
		l.Correction = correction
	}
	now := time.Now()
	l.StatusUpdatedAt = &now
	return nil
}

func (r *fakeRepo) MarkCorrecting(ctx context.Context, key storage.Key) error {
	return r.move(key, storage.CORRECTING, nil)
}

func (r *fakeRepo) MarkCorrected(ctx context.Context, key storage.Key, correction []byte) error {
	if r.failFinal != nil {
		return r.failFinal
	}
	return r.move(key, storage.CORRECTED, correction)
}

func (r *fakeRepo) MarkRejected(ctx context.Context, key storage.Key) error {
	if r.failFinal != nil {
		return r.failFinal
	}
	return r.move(key, storage.REJECTED, nil)
}

func (r *fakeRepo) RejectStale(ctx context.Context, timeout time.Duration, batchSize int) (int, error) {
	return 0, errors.New("not used")
}

func (r *fakeRepo) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *fakeNotifier) Notify(ctx context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

// fakeBroker hands out a test-controlled delivery channel.
type fakeBroker struct {
	fakePublisher
	deliveries chan amqp.Delivery
	cancelOnce sync.Once
	prefetch   int
	topology   queue.Topology
	consumed   string
	closed     bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery, 16)}
}

func (b *fakeBroker) Qos(prefetch int) error {
	b.prefetch = prefetch
	return nil
}

func (b *fakeBroker) DeclareTopology(t queue.Topology) error {
	b.topology = t
	return nil
}

func (b *fakeBroker) Consume(queue, tag string) (<-chan amqp.Delivery, error) {
	b.consumed = queue
	return b.deliveries, nil
}

func (b *fakeBroker) Cancel(tag string) error {
	b.cancelOnce.Do(func() { close(b.deliveries) })
	return nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

const scenarioReply = `{"Student Report": {"Qualification Table Entry": "...,Qualificació,...\n...,8.5,..."}}`

func requestBody(student, task string) []byte {
	return []byte(`{"subject":"prog1","year":"2425","task":"p1","task_id":"` + task +
		`","student_id":"` + student + `","language":"python","student_dir":"s/` + student + `","teacher_dir":"t/p1"}`)
}

func delivery(acker amqp.Acknowledger, tag uint64, body []byte, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  tag,
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
}
