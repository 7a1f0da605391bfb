package reply

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"batch-dispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T) (*Server, *Dialer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(logger)
	gs := srv.NewGRPCServer()
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	dialer := NewDialer(StaticResolver{"node-a": "passthrough:///bufnet"}, logger,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	return srv, dialer
}

func plan(n int) domain.PartitionPlanConfig {
	return domain.PartitionPlanConfig{TopLevelInstanceID: 1, TopLevelExecutionID: 10, StepName: "calc", PartitionNumber: n}
}

func receive(t *testing.T, sub *Subscription) *domain.PartitionReplyMessage {
	t.Helper()
	select {
	case msg := <-sub.Replies():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func TestRepliesReachSubscriber(t *testing.T) {
	srv, dialer := startServer(t)
	sub, err := srv.Subscribe(10, "calc", 4)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	ch, err := dialer.Open(ctx, "node-a")
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Add(ctx, &domain.PartitionReplyMessage{Type: domain.ReplyPartitionStarted, PlanConfig: plan(2)}))
	require.NoError(t, ch.Add(ctx, &domain.PartitionReplyMessage{
		Type:        domain.ReplyFinalStatus,
		BatchStatus: domain.BatchStatusCompleted,
		ExitStatus:  "COMPLETED",
		PlanConfig:  plan(2),
	}))

	first := receive(t, sub)
	assert.Equal(t, domain.ReplyPartitionStarted, first.Type)
	final := receive(t, sub)
	assert.Equal(t, domain.ReplyFinalStatus, final.Type)
	assert.Equal(t, domain.BatchStatusCompleted, final.BatchStatus)
	assert.Equal(t, plan(2), final.PlanConfig)
}

func TestChannelAllowsOneFinalStatus(t *testing.T) {
	srv, dialer := startServer(t)
	sub, err := srv.Subscribe(10, "calc", 4)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	ch, err := dialer.Open(ctx, "node-a")
	require.NoError(t, err)

	require.NoError(t, ch.Add(ctx, domain.FinalFailure(plan(0))))
	assert.ErrorIs(t, ch.Add(ctx, domain.FinalFailure(plan(0))), ErrFinalStatusSent)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close(), "close is idempotent")
	assert.ErrorIs(t, ch.Add(ctx, &domain.PartitionReplyMessage{Type: domain.ReplyPartitionStarted}), ErrChannelClosed)

	got := receive(t, sub)
	assert.Equal(t, domain.BatchStatusFailed, got.BatchStatus)
}

func TestReplyWithoutSubscriberIsDropped(t *testing.T) {
	_, dialer := startServer(t)
	ctx := context.Background()
	ch, err := dialer.Open(ctx, "node-a")
	require.NoError(t, err)
	defer ch.Close()

	assert.NoError(t, ch.Add(ctx, domain.FinalFailure(plan(1))))
}

func TestSubscribeTwiceFails(t *testing.T) {
	srv, _ := startServer(t)
	sub, err := srv.Subscribe(10, "calc", 1)
	require.NoError(t, err)
	_, err = srv.Subscribe(10, "calc", 1)
	assert.Error(t, err)

	sub.Close()
	sub.Close()
	again, err := srv.Subscribe(10, "calc", 1)
	require.NoError(t, err)
	again.Close()
}

func TestOpenUnknownDestination(t *testing.T) {
	_, dialer := startServer(t)
	_, err := dialer.Open(context.Background(), "node-z")
	assert.Error(t, err)
}
