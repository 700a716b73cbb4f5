package rpc

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s *amqpSession) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (s *amqpSession) IsClosed() bool {
	return s.conn.IsClosed()
}

func (s *amqpSession) Close() error {
	return s.conn.Close()
}

// amqpDialer connects and declares a server-named exclusive reply queue.
func amqpDialer(url string) dialFunc {
	return func() (session, string, <-chan amqp.Delivery, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, "", nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, "", nil, err
		}
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			conn.Close()
			return nil, "", nil, err
		}
		replies, err := ch.Consume(q.Name, "", true, true, false, false, nil)
		if err != nil {
			conn.Close()
			return nil, "", nil, err
		}
		return &amqpSession{conn: conn, ch: ch}, q.Name, replies, nil
	}
}
