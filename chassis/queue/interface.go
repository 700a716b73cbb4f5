package queue

import (
	"context"
)

// Config - unified configuration for SQS queue service
type Config struct {
	Name string
	URL  string

	//AWS specified
	Region             string
	CredentialsFile    string
	CredentialsProfile string
	Retries            int
}

// RecvMessage unified presentation for queue message
type RecvMessage struct {
	ID         string
	Body       string
	Handler    string
	Attributes map[string]string
}

// Client interface for queue interaction (SQS Based)
type Client interface {
	SendMessage(ctx context.Context, message string, attributes map[string]string) error
	ReceiveMessage(ctx context.Context) (*RecvMessage, error)
	Acknowledge(ctx context.Context, message *RecvMessage) error
}
