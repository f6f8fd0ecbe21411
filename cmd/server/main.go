package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"auction/internal/config"
	"auction/internal/db"
	"auction/internal/events"
	"auction/internal/handlers"
	"auction/internal/lock"
	"auction/internal/logging"
	"auction/internal/services"
	"auction/internal/store"
	"auction/internal/websocket"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("auction API stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	producer := newProducer(cfg, logger)
	defer func() { _ = producer.Close() }()

	customers := store.NewCustomerStore(database)
	accounts := store.NewAccountStore(database)
	entries := store.NewLedgerStore(database)
	lots := store.NewLotStore(database)
	payments := store.NewPaymentStore(database)
	admin := store.NewAdminStore(database)
	audit := store.NewAuditStore(database)
	outbox := store.NewOutboxStore(database)
	txRunner := db.NewTxRunner(database)
	hub := websocket.NewHub()

	ledger := services.NewLedger(txRunner, accounts, entries, audit, hub, logger.Named("ledger"))
	auction := services.NewAuctionService(txRunner, locker, lots, payments, customers, audit, outbox, ledger, logger.Named("auction"),
		services.WithEventsTopic(cfg.Kafka.LotEventsTopic),
	)
	processor := events.NewProcessor(txRunner, outbox, producer, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, logger.Named("outbox"))

	handler := handlers.New(cfg, handlers.Deps{
		TxRunner:  txRunner,
		Customers: customers,
		Accounts:  accounts,
		Entries:   entries,
		Lots:      lots,
		Admin:     admin,
		Audit:     audit,
		Outbox:    outbox,
		Ledger:    ledger,
		Auction:   auction,
		Hub:       hub,
	}, logger.Named("http"))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("auction API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return processor.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// newLocker shares lot locks through Redis when it is configured and falls
// back to in-process locks for a single replica.
func newLocker(ctx context.Context, cfg config.Config, logger *zap.Logger) (lock.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("REDIS_ADDR not set, lot locks are local to this process")
		return lock.NewLocal(cfg.Lock.Wait), func() {}, nil
	}
	rdb, err := lock.NewRedisClient(ctx, lock.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedisLocker(rdb, cfg.Lock.TTL, cfg.Lock.Wait), func() { _ = rdb.Close() }, nil
}

func newProducer(cfg config.Config, logger *zap.Logger) events.Producer {
	brokers := cfg.Kafka.BrokerList()
	if len(brokers) == 0 {
		logger.Warn("KAFKA_BROKERS not set, lot events are only logged")
		return events.LogProducer{Logger: logger.Named("events")}
	}
	return events.NewKafkaProducer(brokers, logger.Named("kafka"))
}
