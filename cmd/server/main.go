// Spotter - real-time chat and presence server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/spotter/internal/api"
	"github.com/ashureev/spotter/internal/chat"
	"github.com/ashureev/spotter/internal/cluster"
	"github.com/ashureev/spotter/internal/config"
	"github.com/ashureev/spotter/internal/hub"
	"github.com/ashureev/spotter/internal/identity"
	"github.com/ashureev/spotter/internal/media"
	"github.com/ashureev/spotter/internal/metrics"
	"github.com/ashureev/spotter/internal/middleware"
	"github.com/ashureev/spotter/internal/notify"
	"github.com/ashureev/spotter/internal/presence"
	"github.com/ashureev/spotter/internal/socket"
	"github.com/ashureev/spotter/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.Level())

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "instance_id", cfg.InstanceID, "dev", cfg.IsDevelopment())

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg.Store())
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	slog.Info("Store connected", "driver", cfg.StoreDriver)

	m := metrics.New()
	registry := presence.NewRegistry()
	h := hub.New(registry, hub.WithMetrics(m), hub.WithShards(cfg.HubShards))

	notifier, closeNotifier, err := newNotifier(cfg)
	if err != nil {
		return fmt.Errorf("initialize notifier: %w", err)
	}
	defer func() {
		if closeErr := closeNotifier(); closeErr != nil {
			slog.Warn("Failed to close notifier", "error", closeErr)
		}
	}()
	dispatcher := notify.NewDispatcher(notifier, cfg.NotifyTimeout, m)
	slog.Info("Offline notifier ready", "driver", cfg.NotifyDriver)

	deps := chat.Deps{
		Store:    repo,
		Registry: registry,
		Hub:      h,
		Notifier: dispatcher,
		Metrics:  m,
	}
	if cfg.MediaRoot != "" {
		deps.Media = media.NewDisk(cfg.MediaRoot, cfg.MediaURLPrefix)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() {
			if closeErr := rdb.Close(); closeErr != nil {
				slog.Warn("Failed to close redis client", "error", closeErr)
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}

		relay := cluster.NewRelay(rdb, cfg.RedisChannel, cfg.InstanceID, m)
		h.SetRelay(relay)
		deps.Remote = cluster.NewPresenceMirror(rdb, cfg.InstanceID)
		g.Go(func() error {
			return relay.Run(gctx, h)
		})
		slog.Info("Cluster relay enabled", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	} else {
		slog.Info("Cluster relay disabled (REDIS_ADDR not set)")
	}

	svc := chat.NewService(deps, chat.Config{
		PageSize:    cfg.HistoryPageSize,
		MaxPageSize: cfg.HistoryMaxPageSize,
	})

	// Initialize handlers.
	auth := identity.NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer, repo)
	apiHandler := api.NewHandler(svc, auth.Middleware)
	wsHandler := socket.NewHandler(auth, svc, m, socket.Options{
		SendQueue:     cfg.SocketSendQueue,
		PingInterval:  cfg.SocketPingInterval,
		WriteTimeout:  cfg.SocketWriteTimeout,
		ReadLimit:     cfg.SocketReadLimit,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	r.Handle("/metrics", m.Handler())
	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint. Authentication happens before the upgrade.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Note: live channel connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	// gRPC health service for orchestrators.
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g.Go(func() error {
		slog.Info("gRPC health listening", "addr", grpcLis.Addr().String())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	// Wait for shutdown signal or a failed listener.
	g.Go(func() error {
		<-gctx.Done()
		stop()
		slog.Info("Shutting down gracefully...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// http.Server.Shutdown does not track hijacked connections; the live channel closes its own.
		err := srv.Shutdown(shutdownCtx)
		if wsErr := wsHandler.Shutdown(shutdownCtx); wsErr != nil {
			slog.Warn("Live channel shutdown incomplete", "error", wsErr)
		}
		grpcServer.GracefulStop()
		svc.Shutdown(shutdownCtx)
		dispatcher.Close()
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// newNotifier builds the configured offline notification transport and its close function.
func newNotifier(cfg *config.Config) (notify.Notifier, func() error, error) {
	noop := func() error { return nil }
	switch cfg.NotifyDriver {
	case config.NotifyNATS:
		n, err := notify.NewNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, noop, err
		}
		return n, n.Close, nil
	case config.NotifyKafka:
		n, err := notify.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, noop, err
		}
		return n, n.Close, nil
	case config.NotifyGRPC:
		n, err := notify.NewGRPC(cfg.PushGRPCAddr, cfg.PushGRPCMethod, cfg.NotifyTimeout)
		if err != nil {
			return nil, noop, err
		}
		return n, n.Close, nil
	default:
		return notify.NewLog(nil), noop, nil
	}
}
