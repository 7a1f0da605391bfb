// internal/infra/etcd/registry.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// ReplyDestinationPrefix is where nodes register their reply server address.
	ReplyDestinationPrefix = "/batch/reply-destinations/"
)

// Registry keeps this node's reply destination registered under a lease.
type Registry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
}

// NewRegistry creates a registry.
func NewRegistry(client *clientv3.Client, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger.With("component", "reply-registry"),
	}
}

// Register publishes addr as the reply destination of nodeID and keeps the
// lease alive until Deregister or until ctx is done.
func (r *Registry) Register(ctx context.Context, nodeID, addr string, ttl int64) error {
	r.key = ReplyDestinationPrefix + nodeID

	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err := r.client.Put(ctx, r.key, addr, clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put reply destination: %w", err)
	}

	keepAliveCh, err := r.client.KeepAlive(ctx, r.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		// 通道关闭说明租约已被撤销或过期
		r.logger.Warn("keep-alive channel closed, reply destination may have expired", "key", r.key)
	}()

	r.logger.Info("reply destination registered", "key", r.key, "addr", addr)
	return nil
}

// Deregister revokes the lease, which removes the registration.
func (r *Registry) Deregister(ctx context.Context) error {
	r.logger.Info("deregistering reply destination", "key", r.key)
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

// Resolver resolves reply destinations registered in etcd. Watch maintains a
// local cache; lookups that miss it read etcd directly.
type Resolver struct {
	client *clientv3.Client
	logger *slog.Logger

	mu    sync.RWMutex
	addrs map[string]string // node id -> address
}

// NewResolver creates a resolver.
func NewResolver(client *clientv3.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		client: client,
		logger: logger.With("component", "reply-resolver"),
		addrs:  make(map[string]string),
	}
}

// Resolve returns the address registered for destination.
func (r *Resolver) Resolve(ctx context.Context, destination string) (string, error) {
	r.mu.RLock()
	addr, ok := r.addrs[destination]
	r.mu.RUnlock()
	if ok {
		return addr, nil
	}

	resp, err := r.client.Get(ctx, ReplyDestinationPrefix+destination)
	if err != nil {
		return "", fmt.Errorf("failed to look up reply destination %s: %w", destination, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("reply destination %s is not registered", destination)
	}
	return string(resp.Kvs[0].Value), nil
}

// Watch loads the current registrations and follows changes until ctx is
// done. It blocks; run it in a goroutine.
func (r *Resolver) Watch(ctx context.Context) {
	r.logger.Info("watching reply destinations")

	rev, err := r.load(ctx)
	if err != nil {
		r.logger.Error("failed to load reply destinations", "error", err)
	}
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}

	for watchResp := range r.client.Watch(ctx, ReplyDestinationPrefix, opts...) {
		for _, event := range watchResp.Events {
			nodeID := strings.TrimPrefix(string(event.Kv.Key), ReplyDestinationPrefix)
			r.mu.Lock()
			switch event.Type {
			case clientv3.EventTypePut:
				if _, ok := r.addrs[nodeID]; !ok {
					r.logger.Info("reply destination discovered", "node_id", nodeID, "addr", string(event.Kv.Value))
				}
				r.addrs[nodeID] = string(event.Kv.Value)
			case clientv3.EventTypeDelete:
				r.logger.Info("reply destination removed", "node_id", nodeID, "addr", r.addrs[nodeID])
				delete(r.addrs, nodeID)
			}
			r.mu.Unlock()
		}
	}
	r.logger.Info("stopped watching reply destinations")
}

func (r *Resolver) load(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := r.client.Get(ctx, ReplyDestinationPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kv := range resp.Kvs {
		r.addrs[strings.TrimPrefix(string(kv.Key), ReplyDestinationPrefix)] = string(kv.Value)
	}
	return resp.Header.Revision, nil
}
