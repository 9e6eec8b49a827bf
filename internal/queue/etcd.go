package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"kumo/internal/logging"
)

const (
	// claimTTL is how long a claim outlives a consumer that stopped renewing it
	claimTTL = 30
	// defaultScanLimit is the page size used when listing queued messages
	defaultScanLimit = 16
)

// EtcdQueue keeps messages under <prefix>messages/ and claims under
// <prefix>claims/. A claim is bound to a lease kept alive while the handler
// runs, so a message held by a crashed consumer is delivered again once the
// lease expires. Messages are deleted only after their handler succeeds.
type EtcdQueue struct {
	client       *clientv3.Client
	prefix       string
	owner        string
	clock        clock.Clock
	pollInterval time.Duration
	retryDelay   time.Duration
	scanLimit    int64
}

// EtcdOptions tunes an EtcdQueue
type EtcdOptions struct {
	Prefix       string
	Clock        clock.Clock
	PollInterval time.Duration
	RetryDelay   time.Duration
	ScanLimit    int64
}

// NewEtcdQueue connects to etcd at endpoints
func NewEtcdQueue(endpoints []string, dialTimeout time.Duration, opts EtcdOptions) (*EtcdQueue, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return NewEtcdQueueWithClient(cli, opts), nil
}

// NewEtcdQueueWithClient uses an existing client; Close closes it
func NewEtcdQueueWithClient(cli *clientv3.Client, opts EtcdOptions) *EtcdQueue {
	if opts.Prefix == "" {
		opts.Prefix = "/kumo/queue/"
	}
	if !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = defaultScanLimit
	}
	return &EtcdQueue{
		client:       cli,
		prefix:       opts.Prefix,
		owner:        uuid.NewString(),
		clock:        opts.Clock,
		pollInterval: opts.PollInterval,
		retryDelay:   opts.RetryDelay,
		scanLimit:    opts.ScanLimit,
	}
}

func (q *EtcdQueue) messagesPrefix() string { return q.prefix + "messages/" }

func (q *EtcdQueue) claimKey(msgKey string) string {
	return q.prefix + "claims/" + strings.TrimPrefix(msgKey, q.messagesPrefix())
}

// Enqueue stores msg under a key ordered by enqueue time
func (q *EtcdQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Queued.IsZero() {
		msg.Queued = q.clock.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := fmt.Sprintf("%s%020d-%s", q.messagesPrefix(), msg.Queued.UnixNano(), msg.ID)
	if _, err := q.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to enqueue message to etcd: %w", err)
	}
	logging.Logger().Debug("message enqueued", zap.String("message_id", msg.ID), zap.String("key", key))
	return nil
}

type claim struct {
	key   string
	msg   Message
	lease clientv3.LeaseID
}

// claimNext claims the oldest unclaimed message, or returns nil if there is none.
// Messages are read in pages of scanLimit keys so claimed ones at the head
// never hide the rest of the queue.
func (q *EtcdQueue) claimNext(ctx context.Context) (*claim, error) {
	var lease *clientv3.LeaseGrantResponse
	release := func() {
		if lease != nil {
			q.revoke(lease.ID)
		}
	}

	from := q.messagesPrefix()
	end := clientv3.GetPrefixRangeEnd(from)
	for {
		resp, err := q.client.Get(ctx, from,
			clientv3.WithRange(end),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
			clientv3.WithLimit(q.scanLimit))
		if err != nil {
			release()
			return nil, fmt.Errorf("failed to list queued messages: %w", err)
		}
		if len(resp.Kvs) == 0 {
			release()
			return nil, nil
		}

		if lease == nil {
			lease, err = q.client.Grant(ctx, claimTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to grant claim lease: %w", err)
			}
		}

		for _, kv := range resp.Kvs {
			key := string(kv.Key)
			claimKey := q.claimKey(key)
			txn, err := q.client.Txn(ctx).
				If(
					clientv3.Compare(clientv3.CreateRevision(claimKey), "=", 0),
					clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision),
				).
				Then(clientv3.OpPut(claimKey, q.owner, clientv3.WithLease(lease.ID))).
				Commit()
			if err != nil {
				release()
				return nil, fmt.Errorf("failed to claim message: %w", err)
			}
			if !txn.Succeeded {
				continue
			}

			var msg Message
			if err := json.Unmarshal(kv.Value, &msg); err != nil {
				// unreadable messages would block the queue forever
				logging.Logger().Error("dropping malformed message", zap.String("key", key), zap.Error(err))
				if _, err := q.client.Delete(ctx, key); err != nil {
					logging.Logger().Warn("failed to delete malformed message", zap.String("key", key), zap.Error(err))
				}
				release()
				return nil, nil
			}
			return &claim{key: key, msg: msg, lease: lease.ID}, nil
		}

		if !resp.More {
			release()
			return nil, nil
		}
		from = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
}

func (q *EtcdQueue) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.client.Revoke(ctx, id); err != nil {
		logging.Logger().Warn("failed to revoke claim lease", zap.Error(err))
	}
}

// process runs h with the claim's lease kept alive, then acknowledges or releases
func (q *EtcdQueue) process(ctx context.Context, c *claim, h Handler) error {
	kaCtx, stopKeepAlive := context.WithCancel(context.WithoutCancel(ctx))
	keepAlive, err := q.client.KeepAlive(kaCtx, c.lease)
	if err != nil {
		stopKeepAlive()
		q.revoke(c.lease)
		return fmt.Errorf("failed to keep claim alive: %w", err)
	}
	go func() {
		for range keepAlive {
		}
	}()

	logging.Logger().Info("message claimed", zap.String("message_id", c.msg.ID), zap.String("owner", q.owner))
	herr := h(ctx, c.msg)
	stopKeepAlive()

	if herr != nil {
		logging.Logger().Warn("message handler failed, releasing claim",
			zap.String("message_id", c.msg.ID),
			zap.Error(herr))
		q.revoke(c.lease)
		return herr
	}

	ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = q.client.Txn(ackCtx).
		Then(clientv3.OpDelete(c.key), clientv3.OpDelete(q.claimKey(c.key))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to acknowledge message %s: %w", c.msg.ID, err)
	}
	q.revoke(c.lease)
	logging.Logger().Debug("message acknowledged", zap.String("message_id", c.msg.ID))
	return nil
}

// Consume claims and handles messages until ctx is done
func (q *EtcdQueue) Consume(ctx context.Context, h Handler) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer func() { cancel() }()
	events := q.client.Watch(watchCtx, q.messagesPrefix(), clientv3.WithPrefix(), clientv3.WithFilterDelete())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c, err := q.claimNext(ctx)
		if err != nil {
			logging.Logger().Warn("failed to claim message", zap.Error(err))
			if !q.sleep(ctx, q.retryDelay) {
				return ctx.Err()
			}
			continue
		}
		if c == nil {
			open, err := q.idle(ctx, events)
			if err != nil {
				return err
			}
			if !open {
				cancel()
				watchCtx, cancel = context.WithCancel(ctx)
				events = q.client.Watch(watchCtx, q.messagesPrefix(), clientv3.WithPrefix(), clientv3.WithFilterDelete())
			}
			continue
		}

		if err := q.process(ctx, c, h); err != nil {
			if !q.sleep(ctx, q.retryDelay) {
				return ctx.Err()
			}
		}
	}
}

// idle waits for a change under the messages prefix or for the poll interval.
// It reports false when the watch channel was closed, after waiting out the
// rest of the poll interval so a dead watch cannot turn Consume into a busy loop.
func (q *EtcdQueue) idle(ctx context.Context, events clientv3.WatchChan) (bool, error) {
	timer := q.clock.NewTimer(q.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-timer.Chan():
		return true, nil
	case _, ok := <-events:
		if ok {
			return true, nil
		}
	}

	logging.Logger().Warn("etcd watch closed, polling until it is reopened", zap.String("prefix", q.messagesPrefix()))
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.Chan():
		return false, nil
	}
}

func (q *EtcdQueue) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-q.clock.After(d):
		return true
	}
}

// Close closes the etcd client connection
func (q *EtcdQueue) Close() error {
	return q.client.Close()
}
