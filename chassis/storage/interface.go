package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound - referenced assignment or submission link does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition - the link is not in a state the update may leave
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Config - ...
type Config struct {
	DSN string
}

// Repository - data access for submission links
type Repository interface {
	FindAssignment(ctx context.Context, id string) (*Assignment, error)
	FindSubmission(ctx context.Context, key Key) (*SubmissionLink, error)
	MarkCorrecting(ctx context.Context, key Key) error
	MarkCorrected(ctx context.Context, key Key, correction []byte) error
	MarkRejected(ctx context.Context, key Key) error
	RejectStale(ctx context.Context, timeout time.Duration, batchSize int) (int, error)
	Close()
}
