package jobs

import (
	"context"
	"errors"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"kumo/internal/logging"
	"kumo/internal/queue"
)

// Worker consumes the task queue with a bounded number of concurrent
// migrations
type Worker struct {
	queue      queue.Client
	handler    queue.Handler
	maxWorkers int
}

// NewWorker creates a Worker running at most maxWorkers handlers at once
func NewWorker(q queue.Client, handler queue.Handler, maxWorkers int) *Worker {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Worker{queue: q, handler: handler, maxWorkers: maxWorkers}
}

// Run consumes until ctx is done or the queue is closed. Migrations already
// running are allowed to finish.
func (w *Worker) Run(ctx context.Context) error {
	logging.Logger().Info("starting worker", zap.Int("max_workers", w.maxWorkers))

	pool := pond.NewPool(w.maxWorkers)
	for i := 0; i < w.maxWorkers; i++ {
		slot := i
		pool.Submit(func() {
			err := w.queue.Consume(ctx, w.handler)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				logging.Logger().Error("queue consumer stopped", zap.Int("slot", slot), zap.Error(err))
				return
			}
			logging.Logger().Debug("queue consumer stopped", zap.Int("slot", slot))
		})
	}
	pool.StopAndWait()

	logging.Logger().Info("worker stopped")
	return ctx.Err()
}
