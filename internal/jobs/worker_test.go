package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kumo/internal/queue"
)

var _ = Describe("Worker", func() {
	var (
		q      *queue.MemoryQueue
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		q = queue.NewMemoryQueue(clock.WallClock, time.Millisecond)
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		q.Close()
	})

	It("should never run more handlers at once than max workers", func() {
		var running, peak, handled int32
		release := make(chan struct{})
		handler := func(context.Context, queue.Message) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&handled, 1)
			return nil
		}
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			Expect(q.Enqueue(ctx, queue.Message{ID: id})).To(Succeed())
		}

		done := make(chan error, 1)
		go func() { done <- NewWorker(q, handler, 2).Run(ctx) }()

		Eventually(func() int32 { return atomic.LoadInt32(&running) }).Should(Equal(int32(2)))
		Consistently(func() int32 { return atomic.LoadInt32(&running) }, 20*time.Millisecond).Should(Equal(int32(2)))
		close(release)

		Eventually(func() int32 { return atomic.LoadInt32(&handled) }).Should(Equal(int32(5)))
		Expect(atomic.LoadInt32(&peak)).To(Equal(int32(2)))

		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
	})

	It("should stop when the queue is closed", func() {
		done := make(chan error, 1)
		go func() {
			done <- NewWorker(q, func(context.Context, queue.Message) error { return nil }, 3).Run(ctx)
		}()
		Expect(q.Close()).To(Succeed())
		Eventually(done).Should(Receive(BeNil()))
	})

	It("should hand every message to the handler", func() {
		ids := make(chan string, 2)
		go NewWorker(q, func(_ context.Context, msg queue.Message) error {
			ids <- msg.ID
			return nil
		}, 1).Run(ctx)

		Expect(q.Enqueue(ctx, queue.Message{ID: "mig-1"})).To(Succeed())
		Eventually(ids).Should(Receive(Equal("mig-1")))
	})
})
