// internal/infra/etcd/queue.go
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/message"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const QueueDir = "/batch/queue/"

// QueueOptions tune a queue consumer.
type QueueOptions struct {
	// RescanSpec is the cron spec of the full rescans that pick up messages
	// left behind by failed handlers, e.g. "@every 30s".
	RescanSpec string
	// MaxInFlight bounds concurrently handled messages. Messages seen while
	// the limit is reached wait for the next scan.
	MaxInFlight int
}

// Queue is a message queue on etcd. Each message is a key under
// QueueDir/<topic>/; deleting the key acknowledges it.
type Queue struct {
	client *clientv3.Client
	locker domain.Locker
	logger *slog.Logger
	tracer trace.Tracer
}

var _ message.Sender = (*Queue)(nil)

// NewQueue creates a queue. locker claims messages across consumers.
func NewQueue(client *clientv3.Client, locker domain.Locker, logger *slog.Logger) *Queue {
	return &Queue{
		client: client,
		locker: locker,
		logger: logger.With("component", "etcd-queue"),
		tracer: otel.Tracer("batch-dispatch-etcd-queue"),
	}
}

func topicPrefix(topic string) string { return path.Join(QueueDir, topic) + "/" }

// Send enqueues msg on msg.Topic.
func (q *Queue) Send(ctx context.Context, msg *message.Raw) error {
	return q.send(ctx, msg, 0)
}

// WithTTL returns a sender whose messages expire after ttl unless consumed
// first. Topics without consumers, such as lifecycle events, use it so their
// keys do not pile up.
func (q *Queue) WithTTL(ttl time.Duration) message.Sender {
	return &expiringSender{queue: q, ttl: ttl}
}

type expiringSender struct {
	queue *Queue
	ttl   time.Duration
}

func (s *expiringSender) Send(ctx context.Context, msg *message.Raw) error {
	return s.queue.send(ctx, msg, s.ttl)
}

func (q *Queue) send(ctx context.Context, msg *message.Raw, ttl time.Duration) error {
	ctx, span := q.tracer.Start(ctx, "queue.etcd.Send", trace.WithAttributes(attribute.String("queue.topic", msg.Topic)))
	defer span.End()

	if msg.Topic == "" {
		return errors.New("message has no topic")
	}
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}
	key := topicPrefix(msg.Topic) + msg.ID
	span.SetAttributes(attribute.String("etcd.key", key))

	var opts []clientv3.OpOption
	if ttl > 0 {
		// etcd 租约以秒为单位，不足一秒按一秒算
		seconds := int64((ttl + time.Second - 1) / time.Second)
		lease, err := q.client.Grant(ctx, seconds)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to grant message lease")
			return fmt.Errorf("failed to grant lease for message %s: %w", msg.ID, err)
		}
		span.SetAttributes(attribute.Int64("etcd.lease_ttl", seconds))
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	if _, err := q.client.Put(ctx, key, string(data), opts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put message to etcd")
		return fmt.Errorf("failed to enqueue message %s: %w", msg.ID, err)
	}
	return nil
}

// Consume delivers the messages of topic to handler until ctx is done. It
// reacts to new messages through a watch and rescans the topic on
// opts.RescanSpec.
func (q *Queue) Consume(ctx context.Context, topic string, handler message.Handler, opts QueueOptions) error {
	if opts.RescanSpec == "" {
		opts.RescanSpec = "@every 30s"
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 16
	}
	c := &consumer{
		queue:    q,
		prefix:   topicPrefix(topic),
		handler:  handler,
		sem:      make(chan struct{}, opts.MaxInFlight),
		inFlight: make(map[string]struct{}),
		logger:   q.logger.With("topic", topic),
	}

	rescan := make(chan struct{}, 1)
	sched := cron.New()
	if _, err := sched.AddFunc(opts.RescanSpec, func() {
		select {
		case rescan <- struct{}{}:
		default:
		}
	}); err != nil {
		return fmt.Errorf("invalid rescan schedule %q: %w", opts.RescanSpec, err)
	}
	sched.Start()
	defer sched.Stop()

	c.logger.Info("starting queue consumer", "rescan", opts.RescanSpec, "max_in_flight", opts.MaxInFlight)
	defer c.wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}
		rev, err := c.scan(ctx)
		if err != nil {
			c.logger.Error("queue scan failed", "error", err)
		}
		watchOpts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithFilterDelete()}
		if rev > 0 {
			watchOpts = append(watchOpts, clientv3.WithRev(rev+1))
		}
		wch := q.client.Watch(ctx, c.prefix, watchOpts...)

	watch:
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("stopped queue consumer")
				return nil
			case <-rescan:
				if _, err := c.scan(ctx); err != nil {
					c.logger.Error("queue rescan failed", "error", err)
				}
			case resp, ok := <-wch:
				if !ok || resp.Err() != nil {
					if ctx.Err() == nil {
						c.logger.Warn("queue watch interrupted, restarting", "error", resp.Err())
					}
					break watch
				}
				for _, ev := range resp.Events {
					if ev.Type == clientv3.EventTypePut && ev.Kv.Version == 1 {
						c.dispatch(ctx, string(ev.Kv.Key))
					}
				}
			}
		}
	}
}

type consumer struct {
	queue   *Queue
	prefix  string
	handler message.Handler
	logger  *slog.Logger

	sem      chan struct{}
	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// scan dispatches every queued message and returns the revision it read at.
func (c *consumer) scan(ctx context.Context) (int64, error) {
	resp, err := c.queue.client.Get(ctx, c.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		c.dispatch(ctx, string(kv.Key))
	}
	return resp.Header.Revision, nil
}

// dispatch handles key in the background unless it is already being handled
// here or the in-flight limit is reached.
func (c *consumer) dispatch(ctx context.Context, key string) {
	c.mu.Lock()
	if _, busy := c.inFlight[key]; busy {
		c.mu.Unlock()
		return
	}
	select {
	case c.sem <- struct{}{}:
	default:
		c.mu.Unlock()
		c.logger.Debug("in-flight limit reached, deferring message", "key", key)
		return
	}
	c.inFlight[key] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
			<-c.sem
			c.wg.Done()
		}()
		c.handle(ctx, key)
	}()
}

func (c *consumer) handle(ctx context.Context, key string) {
	logger := c.logger.With("key", key)

	lock, err := c.queue.locker.Lock(ctx, "queue"+key)
	if err != nil {
		if !errors.Is(err, domain.ErrLockNotAcquired) {
			logger.Error("failed to claim message", "error", err)
		}
		return
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Unlock(unlockCtx); err != nil {
			logger.Warn("failed to release message claim", "error", err)
		}
	}()

	// 加锁后确认消息仍未被其他消费者确认
	resp, err := c.queue.client.Get(ctx, key)
	if err != nil {
		logger.Error("failed to re-read claimed message", "error", err)
		return
	}
	if len(resp.Kvs) == 0 {
		return
	}

	var raw message.Raw
	if err := json.Unmarshal(resp.Kvs[0].Value, &raw); err != nil {
		logger.Error("dropping undecodable queue entry", "error", err)
		c.ack(ctx, logger, key)
		return
	}

	if err := c.handler(ctx, &raw); err != nil {
		logger.Warn("message handler failed, leaving message for redelivery", "message_id", raw.ID, "error", err)
		return
	}
	c.ack(ctx, logger, key)
}

func (c *consumer) ack(ctx context.Context, logger *slog.Logger, key string) {
	if _, err := c.queue.client.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.Error("failed to acknowledge message", "error", err)
	}
}
