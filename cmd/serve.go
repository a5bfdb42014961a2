package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outboundly/campaigngw/internal/attemptlog"
	"github.com/outboundly/campaigngw/internal/config"
	"github.com/outboundly/campaigngw/internal/db"
	"github.com/outboundly/campaigngw/internal/events"
	"github.com/outboundly/campaigngw/internal/gateway"
	httpSrv "github.com/outboundly/campaigngw/internal/http"
	"github.com/outboundly/campaigngw/internal/lock"
	"github.com/outboundly/campaigngw/internal/logger"
	"github.com/outboundly/campaigngw/internal/metrics"
	"github.com/outboundly/campaigngw/internal/progress"
	"github.com/outboundly/campaigngw/internal/repository"
	"github.com/outboundly/campaigngw/internal/scheduler"
	"github.com/outboundly/campaigngw/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the campaign scheduler and operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.LogLevel)
		log := logger.L()
		defer func() { _ = log.Sync() }()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOpts{
			MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
			PingTimeout:     cfg.ClickHouse.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		// repositories
		campaignsRepo := repository.NewCampaignsRepository(mysqlDB)
		contactsRepo := repository.NewContactsRepository(mysqlDB)
		attemptsRepo := repository.NewAttemptsRepository(chDB)

		// this process's identity; lease tokens embed it
		instanceID := util.NewULID()
		locks := lock.NewManager(campaignsRepo, instanceID, cfg.Scheduler.LeaseTTL, log)

		gw := gateway.NewHTTPClient(
			cfg.Gateway.BaseURL,
			cfg.Gateway.TimeoutMs,
			cfg.Gateway.Breaker.FailThreshold,
			cfg.Gateway.Breaker.OpenForMs,
		)

		var eventSink *events.Publisher
		if len(cfg.Kafka.Brokers) > 0 {
			eventSink = events.NewPublisher(events.Config{
				Brokers:      cfg.Kafka.Brokers,
				Topic:        cfg.Kafka.EventsTopic,
				WriteTimeout: cfg.Kafka.WriteTimeout,
			}, log)
			defer func() { _ = eventSink.Close() }()
		}

		attemptWriter := attemptlog.NewWriter(attemptsRepo, cfg.AttemptLog.BatchSize, cfg.AttemptLog.FlushInterval, log)
		progressCache := progress.NewCache(redisClient, time.Hour, log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go attemptWriter.Run(ctx)

		// reclaim campaigns a crashed process left behind
		if n, err := campaignsRepo.ResetExpiredRunning(ctx, time.Now(), cfg.Scheduler.LeaseTTL); err != nil {
			log.Warn("reset of stale running campaigns failed", zap.Error(err))
		} else if n > 0 {
			log.Info("stale running campaigns returned to scheduled", zap.Int64("count", n))
		}

		opts := scheduler.Options{
			Campaigns:    campaignsRepo,
			Contacts:     contactsRepo,
			Locks:        locks,
			Gateway:      gw,
			Attempts:     attemptWriter,
			Progress:     progressCache,
			Log:          log,
			PollInterval: cfg.Scheduler.PollInterval,
			CancelGrace:  cfg.Scheduler.CancelGrace,
		}
		if eventSink != nil {
			opts.Events = eventSink
		}
		sched := scheduler.New(opts)
		if err := sched.Start(ctx); err != nil {
			return err
		}

		server := httpSrv.NewServer(sched, progressCache, attemptsRepo)

		errCh := make(chan error, 1)
		go func() {
			log.Info("starting http", zap.String("addr", cfg.HTTP.Addr), zap.String("instance_id", instanceID))
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
		}

		sched.Stop()

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)

		return nil
	},
}
