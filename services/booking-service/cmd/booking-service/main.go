package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/clinicbook/libs/clock"
	"github.com/md-rashed-zaman/clinicbook/libs/config"
	"github.com/md-rashed-zaman/clinicbook/libs/db"
	"github.com/md-rashed-zaman/clinicbook/libs/grpcx"
	"github.com/md-rashed-zaman/clinicbook/libs/httpx"
	"github.com/md-rashed-zaman/clinicbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/clinicbook/libs/otel"
	"github.com/md-rashed-zaman/clinicbook/libs/runtime"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/consumer"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/sweeper"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/migrations"
)

type settings struct {
	service       string
	port          string
	grpcPort      string
	databaseURL   string
	seedFile      string
	redisAddr     string
	brokers       []string
	groupID       string
	paymentTopic  string
	webhookSecret string
	jwtSecret     string
	rateLimit     int
	sweepEvery    time.Duration
	engine        booking.Config
}

func loadSettings() (settings, error) {
	var s settings
	var err error
	s.service = config.String("SERVICE_NAME", "booking-service")
	if s.port, err = config.Port("PORT", "8083"); err != nil {
		return s, err
	}
	if s.grpcPort, err = config.Port("GRPC_PORT", "9083"); err != nil {
		return s, err
	}
	if s.jwtSecret, err = config.RequiredString("JWT_SECRET"); err != nil {
		return s, err
	}
	s.databaseURL = config.String("DATABASE_URL", "")
	s.seedFile = config.String("CATALOG_SEED_FILE", "")
	s.redisAddr = config.String("REDIS_ADDR", "")
	s.brokers = config.List("KAFKA_BROKERS")
	s.groupID = config.String("KAFKA_GROUP_ID", "booking-service")
	s.paymentTopic = config.String("KAFKA_PAYMENT_TOPIC", "billing.payment.succeeded.v1")
	s.webhookSecret = config.String("STRIPE_WEBHOOK_SECRET", "")
	if s.rateLimit, err = config.Int("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return s, err
	}
	if s.sweepEvery, err = config.Duration("BOOKING_SWEEP_INTERVAL", time.Minute); err != nil {
		return s, err
	}

	hours := availability.Hours{}
	if hours.Location, err = config.Location("BOOKING_TIMEZONE", "UTC"); err != nil {
		return s, err
	}
	if hours.Open, err = config.Clock("BOOKING_OPEN", "08:00"); err != nil {
		return s, err
	}
	if hours.Close, err = config.Clock("BOOKING_CLOSE", "18:00"); err != nil {
		return s, err
	}
	if hours.Cadence, err = config.Duration("BOOKING_SLOT_CADENCE", time.Hour); err != nil {
		return s, err
	}
	s.engine.Hours = hours
	if s.engine.HoldWindow, err = config.Duration("BOOKING_HOLD_WINDOW", 15*time.Minute); err != nil {
		return s, err
	}
	if s.engine.MinPhoneDigits, err = config.Int("BOOKING_MIN_PHONE_DIGITS", 8); err != nil {
		return s, err
	}
	return s, nil
}

func main() {
	s, err := loadSettings()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := runtime.NewLogger(s.service, config.String("LOG_LEVEL", "info"))

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(s.service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var seed *catalog.Seed
	if s.seedFile != "" {
		loaded, err := catalog.LoadSeed(s.seedFile)
		if err != nil {
			logger.Error("catalog seed failed", "err", err, "path", s.seedFile)
			os.Exit(1)
		}
		seed = &loaded
	}

	m := metrics.New("booking")

	var (
		store   storage.Store
		cat     catalog.Catalog
		pool    *db.Pool
		readyDB func(context.Context) error
	)
	if s.databaseURL == "" {
		logger.Warn("DATABASE_URL not set; using the in-memory store")
		mem := catalog.NewMemory()
		if seed != nil {
			seed.Apply(mem)
		}
		store, cat = storage.NewMemory(), mem
	} else {
		pool, err = db.Open(ctx, s.databaseURL, db.PoolConfig{})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		readyDB = db.ReadyCheck(pool)
		if config.Bool("DB_AUTO_MIGRATE", false) {
			if err := migrations.Apply(ctx, pool); err != nil {
				logger.Error("db migration failed", "err", err)
				os.Exit(1)
			}
		}

		pgCatalog := catalog.NewPostgres(pool)
		if seed != nil {
			if err := seed.ApplyPostgres(ctx, pgCatalog); err != nil {
				logger.Error("catalog seed failed", "err", err)
				os.Exit(1)
			}
		}
		outboxRepo := outbox.NewRepository()
		store, cat = storage.NewPostgres(pool, outboxRepo), pgCatalog

		publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
			Brokers:   s.brokers,
			PollEvery: 2 * time.Second,
			BatchSize: 50,
			OnPublish: func(eventType string) { m.OutboxPublished.WithLabelValues(eventType).Inc() },
		})
		go publisher.Run(ctx)
	}

	var limiter httpx.Limiter = httpx.NewMemoryLimiter(s.rateLimit, time.Minute)
	var readyRedis func(context.Context) error
	if s.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: s.redisAddr})
		defer rdb.Close()
		readyRedis = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		cat = catalog.NewCached(cat, rdb, time.Minute, "catalog", logger)
		limiter = httpx.NewRedisLimiter(rdb, s.rateLimit, time.Minute, "ratelimit:booking")
	}

	engine := booking.NewEngine(clock.Real{}, cat, store, s.engine, logger, m)

	go sweeper.NewWorker(engine, logger, sweeper.WorkerConfig{Interval: s.sweepEvery}).Run(ctx)

	if len(s.brokers) > 0 && s.paymentTopic != "" {
		payments := consumer.New(engine, logger, consumer.Config{
			Brokers: s.brokers,
			GroupID: s.groupID,
			Topic:   s.paymentTopic,
		})
		payments.OnResult(func(outcome string) { m.PaymentMessages.WithLabelValues(outcome).Inc() })
		go payments.Run(ctx)
	}

	grpcServer := grpcx.NewServer(logger)
	grpcServer.SetServing(s.service, true)
	go func() {
		if err := grpcServer.Serve(ctx, ":"+s.grpcPort); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	base := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: readyDB},
		runtime.ReadyCheck{Name: "redis", Check: readyRedis},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(s.brokers)},
	)
	base.Handle("/metrics", m.Handler())

	api := handlers.NewRouter(
		handlers.NewBookingHandler(engine, logger),
		handlers.NewPaymentHandler(engine, logger, s.webhookSecret, 0),
		handlers.NewAuthenticator(s.jwtSecret, clock.Real{}),
		m,
	)
	base.Handle("/api/", httpx.RateLimit(limiter, httpx.ClientIP, logger, true)(api))

	httpHandler := httpx.Chain(base,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
	)
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           otelhttp.NewHandler(httpHandler, "booking"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := runtime.ServeHTTP(ctx, srv, logger, 10*time.Second); err != nil {
		logger.Error("http server error", "err", err)
		os.Exit(1)
	}
}
