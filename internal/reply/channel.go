package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/metrics"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	ErrChannelClosed   = errors.New("reply channel is closed")
	ErrFinalStatusSent = errors.New("final status already sent on reply channel")
)

// Resolver maps a reply destination name to a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, destination string) (string, error)
}

// StaticResolver resolves destinations from a fixed map.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(_ context.Context, destination string) (string, error) {
	addr, ok := r[destination]
	if !ok {
		return "", fmt.Errorf("unknown reply destination %q", destination)
	}
	return addr, nil
}

// Dialer opens reply channels. Each channel owns its own connection.
type Dialer struct {
	resolver Resolver
	opts     []grpc.DialOption
	logger   *slog.Logger
}

// NewDialer creates a dialer. extra options are appended to the defaults
// (insecure transport, otel stats handler).
func NewDialer(resolver Resolver, logger *slog.Logger, extra ...grpc.DialOption) *Dialer {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	return &Dialer{
		resolver: resolver,
		opts:     append(opts, extra...),
		logger:   logger.With("component", "reply-dialer"),
	}
}

// Open connects to destination.
func (d *Dialer) Open(ctx context.Context, destination string) (domain.ReplyChannel, error) {
	addr, err := d.resolver.Resolve(ctx, destination)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr, d.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reply destination %s at %s: %w", destination, addr, err)
	}
	d.logger.Debug("opened reply channel", "destination", destination, "addr", addr)
	return &Channel{
		destination: destination,
		conn:        conn,
		tracer:      otel.Tracer("batch-dispatch-reply"),
	}, nil
}

// Channel sends partition replies to one destination.
type Channel struct {
	destination string
	conn        *grpc.ClientConn
	tracer      trace.Tracer

	mu        sync.Mutex
	finalSent bool
	closed    bool

	closeOnce sync.Once
	closeErr  error
}

// Add sends msg. Nothing may follow a FINAL_STATUS message.
func (c *Channel) Add(ctx context.Context, msg *domain.PartitionReplyMessage) error {
	ctx, span := c.tracer.Start(ctx, "reply.Channel.Add", trace.WithAttributes(
		attribute.String("reply.destination", c.destination),
		attribute.String("reply.type", string(msg.Type)),
		attribute.String("partition.key", msg.PlanConfig.Key().String()),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.finalSent {
		return ErrFinalStatusSent
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal partition reply: %w", err)
	}
	if err := c.conn.Invoke(ctx, sendMethod, wrapperspb.Bytes(data), &emptypb.Empty{}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send partition reply")
		return fmt.Errorf("failed to send partition reply to %s: %w", c.destination, err)
	}
	if msg.Type == domain.ReplyFinalStatus {
		c.finalSent = true
	}
	metrics.PartitionRepliesTotal.WithLabelValues("sent", string(msg.Type), string(msg.BatchStatus)).Inc()
	return nil
}

// Close releases the connection. Later calls return the first result.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
