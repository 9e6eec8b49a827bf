// Package queue delivers migration requests from the intake to workers,
// at least once.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue is closed")

// Message is one queued request. Payload is opaque to the queue.
type Message struct {
	ID      string    `json:"id"`
	Payload []byte    `json:"payload"`
	Queued  time.Time `json:"queued"`
}

// Handler processes one message. Returning nil acknowledges it; an error
// puts it back for another delivery.
type Handler func(ctx context.Context, msg Message) error

// Client is a task queue. Consume delivers messages one at a time to h and
// blocks until ctx is done or the queue is closed; run several Consume
// calls for parallel delivery.
type Client interface {
	Enqueue(ctx context.Context, msg Message) error
	Consume(ctx context.Context, h Handler) error
	Close() error
}
