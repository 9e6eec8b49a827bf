package queue

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"kumo/internal/logging"
)

// MemoryQueue is a process-local queue for single-process runs and tests
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []Message
	wake       chan struct{}
	done       chan struct{}
	closed     bool
	clock      clock.Clock
	retryDelay time.Duration
}

// NewMemoryQueue creates an empty MemoryQueue. A message whose handler
// fails is redelivered after retryDelay.
func NewMemoryQueue(clk clock.Clock, retryDelay time.Duration) *MemoryQueue {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryQueue{
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		clock:      clk,
		retryDelay: retryDelay,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if msg.Queued.IsZero() {
		msg.Queued = q.clock.Now()
	}
	q.pending = append(q.pending, msg)
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) next() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Message{}, false
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		q.signal()
	}
	return msg, true
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		msg, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.done:
				return ErrClosed
			case <-q.wake:
			}
			continue
		}

		if err := h(ctx, msg); err != nil {
			logging.Logger().Warn("message handler failed, redelivering",
				zap.String("message_id", msg.ID),
				zap.Duration("retry_delay", q.retryDelay),
				zap.Error(err))
			select {
			case <-ctx.Done():
			case <-q.done:
			case <-q.clock.After(q.retryDelay):
			}
			q.mu.Lock()
			if !q.closed {
				q.pending = append(q.pending, msg)
				q.signal()
			}
			q.mu.Unlock()
		}
	}
}

// Len is the number of messages waiting for delivery
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
