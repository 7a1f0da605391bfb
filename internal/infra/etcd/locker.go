// internal/infra/etcd/locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batch-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// LockPrefix 是 etcd 中认领锁的根路径
	LockPrefix = "/batch/locks/"
	// DefaultLockSessionTTL 锁会话的默认 TTL，持有者崩溃后锁在此时间后释放
	DefaultLockSessionTTL = 10 // seconds
)

// etcdLock 实现了 domain.Lock 接口
type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the lock and closes its session.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() {
		_ = l.session.Close()
	}()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

type etcdLocker struct {
	client  *clientv3.Client
	ttl     int
	tryWait time.Duration
}

// LockerOption configures a locker.
type LockerOption func(*etcdLocker)

// WithSessionTTL sets the TTL in seconds of lock sessions.
func WithSessionTTL(seconds int) LockerOption {
	return func(l *etcdLocker) {
		if seconds > 0 {
			l.ttl = seconds
		}
	}
}

// NewLocker creates a locker whose locks live under LockPrefix.
func NewLocker(client *clientv3.Client, opts ...LockerOption) domain.Locker {
	l := &etcdLocker{client: client, ttl: DefaultLockSessionTTL, tryWait: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock tries to take the named lock without waiting for its holder.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	// 每次加锁使用独立会话，会话关闭或租约过期时锁自动释放
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, LockPrefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, l.tryWait)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) || errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}

	return &etcdLock{
		mutex:   mutex,
		session: session,
		name:    name,
	}, nil
}
