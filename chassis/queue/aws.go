package queue

import (
	"context"
	"errors"
	"fmt"

	log "github.com/freundallein/corrector/chassis/logging"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
)

// ErrNoMessage - long poll returned nothing
var ErrNoMessage = errors.New("no message received")

// AWSQueue implementation
type AWSQueue struct {
	QueueURL string
	queue    *sqs.SQS
}

// InitAWSQueue ...
func InitAWSQueue(cfg Config) (Client, error) {
	ssn, err := session.NewSession(&aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewSharedCredentials(cfg.CredentialsFile, cfg.CredentialsProfile),
		MaxRetries:  aws.Int(cfg.Retries),
	})
	if err != nil {
		return nil, err
	}
	URL := fmt.Sprintf("%s/%s", cfg.URL, cfg.Name)
	return &AWSQueue{
		queue:    sqs.New(ssn),
		QueueURL: URL,
	}, nil
}

// SendMessage ...
func (q AWSQueue) SendMessage(ctx context.Context, message string, attributes map[string]string) error {
	msg := &sqs.SendMessageInput{
		MessageBody: aws.String(message),
		QueueUrl:    aws.String(q.QueueURL),
	}
	if len(attributes) > 0 {
		msg.MessageAttributes = make(map[string]*sqs.MessageAttributeValue, len(attributes))
		for k, v := range attributes {
			msg.MessageAttributes[k] = &sqs.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}
	sendResponse, err := q.queue.SendMessageWithContext(ctx, msg)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event": "send_message",
		"queue": "aws_sqs",
	}).Debug(*sendResponse.MessageId)
	return nil
}

// ReceiveMessage ...
func (q AWSQueue) ReceiveMessage(ctx context.Context) (*RecvMessage, error) {
	receivedMsg := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.QueueURL),
		MaxNumberOfMessages:   aws.Int64(1),
		WaitTimeSeconds:       aws.Int64(5),
		MessageAttributeNames: aws.StringSlice([]string{"All"}),
	}
	receiveResponse, err := q.queue.ReceiveMessageWithContext(ctx, receivedMsg)
	if err != nil {
		return nil, err
	}
	if len(receiveResponse.Messages) == 0 {
		return nil, ErrNoMessage
	}
	received := receiveResponse.Messages[0]
	msg := &RecvMessage{
		ID:         aws.StringValue(received.MessageId),
		Body:       aws.StringValue(received.Body),
		Handler:    aws.StringValue(received.ReceiptHandle),
		Attributes: make(map[string]string, len(received.MessageAttributes)),
	}
	for k, v := range received.MessageAttributes {
		msg.Attributes[k] = aws.StringValue(v.StringValue)
	}
	log.WithFields(log.Fields{
		"event": "receive_message",
		"queue": "aws_sqs",
	}).Debug(msg.ID)
	return msg, nil
}

// Acknowledge ...
func (q AWSQueue) Acknowledge(ctx context.Context, message *RecvMessage) error {
	deleteMsg := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.QueueURL),
		ReceiptHandle: aws.String(message.Handler),
	}
	if _, err := q.queue.DeleteMessageWithContext(ctx, deleteMsg); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event": "delete_message",
		"queue": "aws_sqs",
	}).Debug(message.ID)
	return nil
}
