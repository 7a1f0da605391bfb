package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/metrics"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type subscriptionKey struct {
	executionID int64
	step        string
}

// Server receives partition replies and routes them to the subscription of
// the top-level execution and step they belong to.
type Server struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[subscriptionKey]*Subscription
}

// NewServer creates a reply server.
func NewServer(logger *slog.Logger) *Server {
	return &Server{
		logger: logger.With("component", "reply-server"),
		subs:   make(map[subscriptionKey]*Subscription),
	}
}

// Register adds the reply service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// NewGRPCServer builds a gRPC server with tracing and the reply service registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)...)
	s.Register(gs)
	return gs
}

// Subscribe starts collecting replies for one partitioned step.
func (s *Server) Subscribe(executionID int64, step string, buffer int) (*Subscription, error) {
	key := subscriptionKey{executionID: executionID, step: step}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[key]; exists {
		return nil, fmt.Errorf("replies for execution %d step %s already have a subscriber", executionID, step)
	}
	sub := &Subscription{
		key:     key,
		server:  s,
		replies: make(chan *domain.PartitionReplyMessage, buffer),
		done:    make(chan struct{}),
	}
	s.subs[key] = sub
	return sub, nil
}

// Send implements the reply service.
func (s *Server) Send(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var msg domain.PartitionReplyMessage
	if err := json.Unmarshal(in.GetValue(), &msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid partition reply: %v", err)
	}
	metrics.PartitionRepliesTotal.WithLabelValues("received", string(msg.Type), string(msg.BatchStatus)).Inc()

	key := subscriptionKey{executionID: msg.PlanConfig.TopLevelExecutionID, step: msg.PlanConfig.StepName}
	s.mu.Lock()
	sub := s.subs[key]
	s.mu.Unlock()
	if sub == nil {
		s.logger.Warn("dropping partition reply without subscriber",
			"execution_id", key.executionID, "step", key.step,
			"partition", msg.PlanConfig.PartitionNumber, "type", msg.Type)
		return &emptypb.Empty{}, nil
	}

	select {
	case sub.replies <- &msg:
		return &emptypb.Empty{}, nil
	case <-sub.done:
		return &emptypb.Empty{}, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// Subscription receives the replies of one partitioned step.
type Subscription struct {
	key     subscriptionKey
	server  *Server
	replies chan *domain.PartitionReplyMessage
	done    chan struct{}
	once    sync.Once
}

// Replies returns the reply stream. It is never closed; use Close to stop.
func (sub *Subscription) Replies() <-chan *domain.PartitionReplyMessage {
	return sub.replies
}

// Close unsubscribes. Replies arriving afterwards are dropped.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.server.mu.Lock()
		delete(sub.server.subs, sub.key)
		sub.server.mu.Unlock()
		close(sub.done)
	})
}
