package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/motoride/internal/auth"
	"github.com/example/motoride/internal/booking/dispatch"
	"github.com/example/motoride/internal/booking/domain"
	"github.com/example/motoride/internal/booking/handler"
	"github.com/example/motoride/internal/booking/matching"
	"github.com/example/motoride/internal/booking/repository"
	bookingservice "github.com/example/motoride/internal/booking/service"
	"github.com/example/motoride/internal/directory"
	"github.com/example/motoride/internal/notify"
	outboxworker "github.com/example/motoride/internal/outbox"
	"github.com/example/motoride/internal/rating"
	"github.com/example/motoride/pkg/observability"
	outboxpkg "github.com/example/motoride/pkg/outbox"
)

type appConfig struct {
	HTTPAddr      string
	PostgresDSN   string
	Migrate       bool
	RedisAddr     string
	NATSURL       string
	JWTSecret     string
	MatchRadiusKM float64
	MatchLimit    int
	EventSubject  string
	NotifyPrefix  string
	OutboxPoll    time.Duration
	OutboxBatch   int
	OutboxRetry   int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("booking-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "booking-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()

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
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("bookingservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var bookings domain.BookingRepository
	if db != nil {
		pg := repository.NewPostgresRepository(db, cfg.EventSubject)
		if cfg.Migrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				logger.Fatal("apply schema", zap.Error(err))
			}
		}
		bookings = pg
	} else {
		logger.Warn("postgres not configured, using in-memory bookings")
		bookings = repository.NewMemoryRepository()
	}

	var userDir domain.UserDirectory
	if redisClient != nil {
		userDir = directory.NewRedisDirectory(redisClient, "", "")
	} else {
		logger.Warn("redis not configured, using in-memory directory")
		userDir = directory.NewMemoryDirectory()
	}

	notifications := repository.NewMemoryNotificationStore()
	reviews := repository.NewMemoryReviewStore()
	push := notify.NewNATSSender(natsConn, cfg.NotifyPrefix)
	publisher := outboxpkg.NewPublisher(natsConn, cfg.EventSubject)
	matcher := matching.NewEngine(userDir, bookings, cfg.MatchRadiusKM, cfg.MatchLimit, logger.Named("matcher"))
	dispatcher := dispatch.NewDispatcher(bookings, notifications, push, domain.SystemClock{}, logger.Named("dispatch"))

	svc := bookingservice.New(bookingservice.Config{
		Bookings:      bookings,
		Notifications: notifications,
		Reviews:       reviews,
		Directory:     userDir,
		Matcher:       matcher,
		Dispatcher:    dispatcher,
		Ratings:       rating.NewAggregator(reviews, userDir),
		Push:          push,
		Events:        publisher,
		Clock:         domain.SystemClock{},
		Idempotent:    repository.NewMemoryIdempotencyRepo(),
		Logger:        logger.Named("service"),
	})

	r := chi.NewRouter()
	api := handler.NewHTTP(svc).Router()
	if cfg.JWTSecret != "" {
		r.Mount("/", auth.Middleware(cfg.JWTSecret)(api))
	} else {
		logger.Warn("JWT_SECRET not set, auth disabled")
		r.Mount("/", api)
	}
	r.Mount("/observability", observability.MetricsRouter())

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
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("booking service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PostgresDSN:   firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		Migrate:       os.Getenv("MIGRATE") == "true",
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		NATSURL:       os.Getenv("NATS_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		MatchRadiusKM: parseFloatEnv("MATCH_RADIUS_KM", matching.DefaultRadiusKM),
		MatchLimit:    parseIntEnv("MATCH_LIMIT", matching.DefaultLimit),
		EventSubject:  getenv("EVENT_SUBJECT", "booking.events"),
		NotifyPrefix:  getenv("NOTIFY_SUBJECT_PREFIX", "notify.user."),
		OutboxPoll:    time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:   parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:   parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
