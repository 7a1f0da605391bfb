// cmd/coordinator/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	http_api "batch-dispatch/internal/api/http"
	"batch-dispatch/internal/config"
	"batch-dispatch/internal/coordinator"
	"batch-dispatch/internal/dispatcher"
	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/events"
	"batch-dispatch/internal/infra/etcd"
	http_infra "batch-dispatch/internal/infra/http"
	"batch-dispatch/internal/infra/kafka"
	shell_infra "batch-dispatch/internal/infra/shell"
	"batch-dispatch/internal/infra/sqlite"
	"batch-dispatch/internal/message"
	"batch-dispatch/internal/reply"
	"batch-dispatch/internal/security"
	"batch-dispatch/internal/tracing"
	"batch-dispatch/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, "+http_api.HeaderUser+", "+http_api.HeaderGroups)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// transport sends control messages and feeds received ones to a handler.
type transport struct {
	sender  message.Sender
	events  message.Sender
	consume func(ctx context.Context, handler message.Handler) error
	close   func() error
}

func main() {
	// 1. Initialize logger and load configuration
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger = logger.With("node_id", cfg.NodeID)

	tracerShutdown, err := tracing.InitTracer("batch-dispatch-coordinator", cfg.NodeID, log.Writer(), logger)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	logger.Info("starting batch dispatch coordinator", "store", cfg.StoreBackend, "transport", cfg.Transport)

	// 2. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 3. Init etcd client when a component needs it
	var etcdClient *clientv3.Client
	if cfg.StoreBackend == config.BackendEtcd || cfg.Transport == config.BackendEtcd {
		etcdClient, err = etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)
	}

	// 4. Job repository, transport and event publisher
	repo := openRepository(rootCtx, cfg, etcdClient, logger)
	tr := openTransport(cfg, etcdClient, logger)
	defer func() {
		if err := tr.close(); err != nil {
			logger.Error("failed to close transport", "error", err)
		}
	}()

	var publisher domain.EventPublisher
	if cfg.EventsTopic != "" {
		publisher = events.NewPublisher(tr.events, cfg.EventsTopic, logger)
	}

	// 5. Reply server, reachable by other nodes under this node's id
	replyServer := reply.NewServer(logger)
	grpcServer := replyServer.NewGRPCServer()
	lis, err := net.Listen("tcp", cfg.ReplyListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen for replies: %v", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("reply gRPC server failed: %v", err)
		}
	}()
	logger.Info("reply server listening", "addr", cfg.ReplyListenAddr, "advertise", cfg.ReplyAdvertiseAddr)

	var resolver reply.Resolver = reply.StaticResolver{cfg.NodeID: cfg.ReplyAdvertiseAddr}
	if etcdClient != nil {
		registry := etcd.NewRegistry(etcdClient, logger)
		if err := registry.Register(rootCtx, cfg.NodeID, cfg.ReplyAdvertiseAddr, cfg.ReplyTTL); err != nil {
			log.Fatalf("Failed to register reply destination: %v", err)
		}
		defer func() {
			deregCtx, deregCancel := context.WithTimeout(context.Background(), cfg.EtcdTimeout)
			defer deregCancel()
			if err := registry.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister reply destination", "error", err)
			}
		}()
		etcdResolver := etcd.NewResolver(etcdClient, logger)
		go etcdResolver.Watch(rootCtx)
		resolver = etcdResolver
	}

	// 6. Dispatcher and coordinator
	executors := map[domain.ExecutorType]domain.StepExecutor{
		domain.ExecutorTypeHTTP:  http_infra.NewHttpStepExecutor(),
		domain.ExecutorTypeShell: shell_infra.NewShellStepExecutor(cfg.ShellTimeout, logger),
	}
	local := dispatcher.NewLocal(dispatcher.Config{
		NodeID:           cfg.NodeID,
		PartitionTopic:   cfg.PartitionTopic,
		PartitionTimeout: cfg.PartitionTimeout,
	}, repo, executors, tr.sender, replyServer, publisher, logger)

	resolvers := coordinator.Resolvers{
		Repository: coordinator.Static[coordinator.JobRepository](repo),
		Dispatcher: coordinator.Static[domain.Dispatcher](local),
		Security:   coordinator.Static(security.NewService(logger)),
		Replies:    coordinator.Static[coordinator.ReplyOpener](reply.NewDialer(resolver, logger)),
	}
	if publisher != nil {
		resolvers.Events = coordinator.Static(publisher)
	}
	coord := coordinator.New(resolvers, coordinator.Options{
		GroupSecurityEnabled: cfg.GroupSecurityEnabled,
		ReplyReleaseTimeout:  cfg.ShutdownTimeout,
	}, logger)

	var consumers sync.WaitGroup
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		if err := tr.consume(rootCtx, coord.Handle); err != nil {
			logger.Error("control message consumer stopped", "error", err)
			cancel()
		}
	}()

	// 7. Submission API and metrics endpoint
	svc := usecase.NewSubmissionService(repo, tr.sender, publisher, cfg.ControlTopic, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewInstanceHandler(svc, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: corsMiddleware(mux),
	}
	go func() {
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 8. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down coordinator gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	consumers.Wait()
	if err := local.Shutdown(shutdownCtx); err != nil {
		logger.Error("running jobs did not stop in time", "error", err)
	}
	if err := coord.Drain(shutdownCtx); err != nil {
		logger.Error("partition reply channels still open", "error", err)
	}
	grpcServer.GracefulStop()

	logger.Info("coordinator shut down")
}

func openRepository(ctx context.Context, cfg *config.Config, client *clientv3.Client, logger *slog.Logger) domain.JobRepository {
	if cfg.StoreBackend == config.BackendSqlite {
		db, err := sqlite.Open(ctx, cfg.SqlitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite store: %v", err)
		}
		logger.Info("opened sqlite job repository", "path", cfg.SqlitePath)
		return sqlite.NewJobRepository(db, logger)
	}
	return etcd.NewJobRepository(client, logger)
}

func openTransport(cfg *config.Config, client *clientv3.Client, logger *slog.Logger) *transport {
	topics := []string{cfg.ControlTopic, cfg.PartitionTopic}

	if cfg.Transport == config.BackendKafka {
		saramaCfg := kafka.NewConfig(cfg.NodeID)
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, saramaCfg, logger)
		if err != nil {
			log.Fatalf("Failed to create kafka producer: %v", err)
		}
		return &transport{
			sender: producer,
			events: producer,
			consume: func(ctx context.Context, handler message.Handler) error {
				consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, topics, saramaCfg, handler, logger)
				if err != nil {
					return err
				}
				defer consumer.Close()
				return consumer.Run(ctx)
			},
			close: producer.Close,
		}
	}

	queue := etcd.NewQueue(client, etcd.NewLocker(client, etcd.WithSessionTTL(cfg.LockTTL)), logger)
	opts := etcd.QueueOptions{RescanSpec: cfg.RescanSpec, MaxInFlight: cfg.MaxInFlight}
	return &transport{
		sender: queue,
		events: queue.WithTTL(cfg.EventsTTL),
		consume: func(ctx context.Context, handler message.Handler) error {
			// 每个主题独立消费，分区消息不会被阻塞的 START 处理饿死
			errCh := make(chan error, len(topics))
			for _, topic := range topics {
				go func() { errCh <- queue.Consume(ctx, topic, handler, opts) }()
			}
			var first error
			for range topics {
				if err := <-errCh; err != nil && first == nil {
					first = err
				}
			}
			return first
		},
		close: func() error { return nil },
	}
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
