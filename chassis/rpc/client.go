package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	log "github.com/freundallein/corrector/chassis/logging"
)

// errorMarker prefixes plain-text failure replies.
const errorMarker = "Error:"

var (
	// ErrClosed - the client was closed
	ErrClosed = errors.New("rpc client closed")
	// ErrConnectionLost - the reply consumer stopped before the reply arrived
	ErrConnectionLost = errors.New("rpc connection lost")
)

// RemoteError - the checker answered with an error instead of a report.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "checker error: " + e.Message
}

// session is the part of an AMQP channel the client needs.
type session interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// dialFunc opens a session with a private reply queue and its deliveries.
type dialFunc func() (ses session, replyQueue string, replies <-chan amqp.Delivery, err error)

type reply struct {
	body []byte
	err  error
}

// Client - request/reply over AMQP using correlation IDs
type Client struct {
	dial dialFunc

	mu         sync.Mutex
	ses        session
	replyQueue string
	closed     bool
	// pending calls; the dispatch loop is the only sender on each channel
	pending map[string]chan reply

	publishMu sync.Mutex
}

// New returns a client for the broker at url. It connects lazily.
func New(url string) *Client {
	return newClient(amqpDialer(url))
}

func newClient(dial dialFunc) *Client {
	return &Client{
		dial:    dial,
		pending: make(map[string]chan reply),
	}
}

// Connect opens the connection and the reply consumer if not connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.ses != nil && !c.ses.IsClosed() {
		return nil
	}
	ses, replyQueue, replies, err := c.dial()
	if err != nil {
		return fmt.Errorf("rpc connect: %w", err)
	}
	c.ses = ses
	c.replyQueue = replyQueue
	go c.dispatch(ses, replies)
	log.WithFields(log.Fields{
		"event":      "rpc_connected",
		"replyQueue": replyQueue,
	}).Info("rpc client connected and ready")
	return nil
}

// dispatch resolves pending calls from the reply queue.
func (c *Client) dispatch(ses session, replies <-chan amqp.Delivery) {
	for d := range replies {
		c.resolve(d.CorrelationId, reply{body: d.Body})
	}
	// reply queue is exclusive to the connection; outstanding calls can no longer be answered
	c.mu.Lock()
	if c.ses != ses {
		c.mu.Unlock()
		return
	}
	lost := c.pending
	c.pending = make(map[string]chan reply)
	c.ses = nil
	c.mu.Unlock()
	for _, ch := range lost {
		ch <- reply{err: ErrConnectionLost}
	}
}

func (c *Client) resolve(correlationID string, r reply) {
	c.mu.Lock()
	ch, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()
	if !ok {
		log.WithFields(log.Fields{
			"event":         "rpc_orphan_reply",
			"correlationID": correlationID,
		}).Warn("reply without pending call")
		return
	}
	ch <- r
}

func (c *Client) forget(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

// Pending - number of calls awaiting a reply
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call publishes body to the procedure queue and waits for the matching
// reply or for ctx to end. The deadline belongs to the caller.
func (c *Client) Call(ctx context.Context, procedure string, body []byte) ([]byte, error) {
	correlationID := uuid.New().String()
	// buffered so the dispatcher never blocks on an abandoned call
	result := make(chan reply, 1)

	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ses, replyQueue := c.ses, c.replyQueue
	c.pending[correlationID] = result
	c.mu.Unlock()

	c.publishMu.Lock()
	err := ses.PublishWithContext(ctx, "", procedure, false, false, amqp.Publishing{
		Body:          body,
		CorrelationId: correlationID,
		ReplyTo:       replyQueue,
	})
	c.publishMu.Unlock()
	if err != nil {
		c.forget(correlationID)
		return nil, fmt.Errorf("rpc publish: %w", err)
	}
	log.WithFields(log.Fields{
		"event":         "rpc_request_sent",
		"procedure":     procedure,
		"correlationID": correlationID,
	}).Debug("waiting for response")

	select {
	case r := <-result:
		if r.err != nil {
			return nil, r.err
		}
		if err := remoteError(r.body); err != nil {
			return nil, err
		}
		return r.body, nil
	case <-ctx.Done():
		c.forget(correlationID)
		return nil, ctx.Err()
	}
}

// Close closes the connection; safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.ses == nil || c.ses.IsClosed() {
		return nil
	}
	log.WithFields(log.Fields{
		"event": "rpc_close",
	}).Info("closing rpc connection")
	return c.ses.Close()
}

// remoteError recognises "Error: ..." bodies and {"error": ...} documents.
func remoteError(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte(errorMarker)) {
		return &RemoteError{Message: strings.TrimSpace(string(trimmed[len(errorMarker):]))}
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var probe struct {
		Error interface{} `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil
	}
	switch v := probe.Error.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return &RemoteError{Message: v}
	case bool:
		if !v {
			return nil
		}
		return &RemoteError{Message: "error flag set"}
	default:
		return &RemoteError{Message: fmt.Sprint(v)}
	}
}
