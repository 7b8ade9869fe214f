package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/guidebook/internal/auth"
	"github.com/example/guidebook/internal/booking/domain"
	"github.com/example/guidebook/internal/booking/handler"
	"github.com/example/guidebook/internal/booking/lock"
	"github.com/example/guidebook/internal/booking/repository"
	"github.com/example/guidebook/internal/booking/service"
	"github.com/example/guidebook/internal/config"
	httpmw "github.com/example/guidebook/internal/http/middleware"
	outboxworker "github.com/example/guidebook/internal/outbox"
	"github.com/example/guidebook/pkg/events"
	"github.com/example/guidebook/pkg/observability"
)

const serviceName = "booking-service"

type stores struct {
	drivers        domain.DriverRepository
	unavailability domain.UnavailabilityRepository
	bookings       domain.BookingRepository
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(serviceName, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, serviceName, cfg.TraceStdout)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	checks := map[string]observability.Check{}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		if cfg.Migrate {
			if err := repository.Migrate(ctx, db); err != nil {
				logger.Fatal("postgres migrate", zap.Error(err))
			}
		}
		checks["postgres"] = db.PingContext
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName)); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
			checks["nats"] = func(context.Context) error {
				if !conn.IsConnected() {
					return fmt.Errorf("nats %s", conn.Status())
				}
				return nil
			}
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	st := buildStores(db)
	publisher := buildPublisher(db, natsConn, cfg, logger)
	locker := buildLocker(redisClient, logger, cfg)
	clock := domain.SystemClock{}

	registry := service.NewRegistry(st.drivers, publisher, clock, logger.Named("registry"))
	calendar := service.NewCalendar(st.unavailability, registry, logger.Named("calendar"))
	ledger := service.NewLedger(st.bookings)
	resolver := service.NewResolver(registry, calendar, ledger, clock, service.ResolverConfig{
		Location: cfg.Location,
		Language: cfg.Collation,
	})
	manager := service.NewManager(ledger, registry, calendar, resolver, locker, publisher, clock, logger.Named("manager"))

	bookingHTTP := handler.NewHTTP(handler.Services{
		Registry: registry,
		Calendar: calendar,
		Ledger:   ledger,
		Resolver: resolver,
		Manager:  manager,
	}, auth.NewGate(logger.Named("gate")), logger.Named("http"))

	var limiter *httpmw.RateLimiter
	if redisClient != nil {
		limiter = httpmw.NewRateLimiter(redisClient,
			httpmw.RateConfig{Rate: cfg.ReadRate, Burst: cfg.ReadBurst},
			httpmw.RateConfig{Rate: cfg.WriteRate, Burst: cfg.WriteBurst},
			logger.Named("ratelimit"))
	}

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", bookingHTTP.Router(auth.Middleware(cfg.JWTSecret), limiter.Middleware))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
			Retention:    cfg.OutboxRetention,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("listen grpc", zap.Error(err))
		}
		hs := observability.NewHealthServer(serviceName, checks, logger.Named("health"))
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, hs.Server)
		go hs.Watch(ctx, 5*time.Second)
		go func() {
			logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc serve", zap.Error(err))
			}
		}()
	}

	go func() {
		logger.Info("booking service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	_ = srv.Shutdown(shutdownCtx)
}

func buildStores(db *sql.DB) stores {
	if db == nil {
		return stores{
			drivers:        repository.NewMemoryDriverRepository(),
			unavailability: repository.NewMemoryUnavailabilityRepository(),
			bookings:       repository.NewMemoryBookingRepository(),
		}
	}
	return stores{
		drivers:        repository.NewPostgresDriverRepository(db),
		unavailability: repository.NewPostgresUnavailabilityRepository(db),
		bookings:       repository.NewPostgresBookingRepository(db),
	}
}

// buildPublisher prefers the Postgres outbox when a database is configured;
// the outbox worker relays it to NATS.
func buildPublisher(db *sql.DB, natsConn *nats.Conn, cfg config.Config, logger *zap.Logger) domain.EventPublisher {
	switch {
	case db != nil:
		return repository.NewPostgresOutbox(db, cfg.NATSSubject)
	case natsConn != nil:
		return events.NewPublisher(natsConn, cfg.NATSSubject)
	default:
		logger.Info("event publishing disabled")
		return nil
	}
}

func buildLocker(redisClient *redis.Client, logger *zap.Logger, cfg config.Config) domain.SlotLocker {
	if redisClient == nil {
		return lock.NewKeyedLocker()
	}
	return lock.NewRedisLocker(redisClient, logger.Named("lock"), lock.RedisLockerConfig{
		TTL:         cfg.LockTTL,
		MaxAttempts: cfg.LockMaxAttempts,
		Backoff:     cfg.LockBackoff,
	})
}
