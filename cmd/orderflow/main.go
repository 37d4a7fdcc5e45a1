package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rookgm/orderflow/config"
	"github.com/rookgm/orderflow/internal/auth"
	"github.com/rookgm/orderflow/internal/events"
	"github.com/rookgm/orderflow/internal/gateway"
	handler "github.com/rookgm/orderflow/internal/handler/http"
	"github.com/rookgm/orderflow/internal/idempotency"
	"github.com/rookgm/orderflow/internal/logger"
	"github.com/rookgm/orderflow/internal/repository"
	"github.com/rookgm/orderflow/internal/repository/memory"
	"github.com/rookgm/orderflow/internal/repository/postgres"
	"github.com/rookgm/orderflow/internal/service"
	"github.com/rookgm/orderflow/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// create new config
	cfg, err := config.New(os.Args[1:])
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	// initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}
	defer logger.Log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Log.Fatal("Error running server", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// storage
	var repo service.OrderRepository
	if cfg.DatabaseDSN != "" {
		db, err := postgres.New(ctx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		// migrate database
		if err := db.Migrate(); err != nil {
			return err
		}
		repo = repository.NewOrderRepository(db)
	} else {
		logger.Log.Warn("No database configured, orders are kept in memory")
		repo = memory.NewOrderRepository()
	}

	var opts []service.Option

	// idempotency keys
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		opts = append(opts, service.WithLocker(idempotency.NewRedisLocker(rdb, "orderflow", idempotency.DefaultTTL)))
	}

	// status events
	if cfg.RabbitMQURL != "" {
		pub, err := events.Dial(cfg.RabbitMQURL, events.DefaultExchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, service.WithPublisher(pub))
	} else {
		opts = append(opts, service.WithPublisher(events.Nop{}))
	}

	// dependency injection
	gw := gateway.New(gateway.Config{
		CartURL:       cfg.CartServiceURL,
		RestaurantURL: cfg.RestaurantURL,
		PaymentURL:    cfg.PaymentURL,
		UserURL:       cfg.UserServiceURL,
		Timeout:       cfg.ServiceTimeout,
	})
	orchestrator := service.NewOrchestrator(repo, gw, opts...)
	tracker := service.NewTracker(repo, gw, opts...)
	orderHandler := handler.NewOrderHandler(orchestrator, tracker)
	token := auth.NewAuthToken([]byte(cfg.JWTSecret))

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: handler.NewRouter(orderHandler, token, logger.Log),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.NewPaymentReconciler(tracker, cfg.ReconcileInterval).Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Log.Info("Running server", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
