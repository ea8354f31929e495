package main

import (
	"context"
	"errors"
	"fmt"

	"memorial-orders/internal/clock"
	"memorial-orders/internal/config"
	"memorial-orders/internal/database"
	"memorial-orders/internal/handler"
	"memorial-orders/internal/infrastructure/aws"
	"memorial-orders/internal/infrastructure/dynamo"
	"memorial-orders/internal/infrastructure/metrics"
	"memorial-orders/internal/infrastructure/release"
	"memorial-orders/internal/logging"
	"memorial-orders/internal/repo"
	"memorial-orders/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds everything built from one Config. close releases it in reverse order.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	clock     clock.Clock
	orders    repo.OrderRepo
	releases  repo.ReleaseRepo
	health    handler.HealthChecker
	hook      release.Hook
	observers []worker.RunObserver
	closers   []func() error
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, clock: clock.System()}
	if err := a.wire(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	var clients *aws.Clients
	awsClients := func() (*aws.Clients, error) {
		if clients != nil {
			return clients, nil
		}
		c, err := aws.NewClients(ctx, a.cfg.AWS.Region, a.cfg.AWS.EndpointOverride)
		if err != nil {
			return nil, fmt.Errorf("aws clients: %w", err)
		}
		clients = c
		return c, nil
	}

	switch a.cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := database.NewPostgres(ctx, a.cfg.DB.DSN())
		if err != nil {
			return err
		}
		svc := database.New(db)
		a.closers = append(a.closers, svc.Close)
		a.orders = repo.NewOrderRepo(db)
		a.releases = repo.NewReleaseRepo(db)
		a.health = svc
	case config.BackendDynamoDB:
		c, err := awsClients()
		if err != nil {
			return err
		}
		store := dynamo.NewOrderStore(c.DynamoDB, a.cfg.AWS.OrdersTable)
		a.orders = store
		a.releases = dynamo.NewReleaseStore(c.DynamoDB, a.cfg.AWS.ReleasesTable)
		a.health = pingHealth(store.Ping)
	case config.BackendMemory:
		a.orders = repo.NewMemoryOrderRepo()
		a.releases = repo.NewMemoryReleaseRepo()
	}

	var hooks release.Multi
	for _, name := range a.cfg.Release.Hooks {
		switch name {
		case config.HookLog:
			hooks = append(hooks, release.NewLogHook(a.log))
		case config.HookRedis:
			rdb := redis.NewClient(&redis.Options{Addr: a.cfg.Release.RedisAddr})
			a.closers = append(a.closers, rdb.Close)
			hooks = append(hooks, release.NewRedisHook(rdb, a.cfg.Release.KeyPrefix))
		case config.HookKafka:
			w := release.NewKafkaWriter(a.cfg.Release.KafkaBrokers)
			a.closers = append(a.closers, w.Close)
			hooks = append(hooks, release.NewKafkaHook(w, a.cfg.Release.KafkaTopic))
		case config.HookSQS:
			c, err := awsClients()
			if err != nil {
				return err
			}
			hooks = append(hooks, release.NewSQSHook(c.SQS, a.cfg.Release.SQSQueueURL))
		}
	}
	if len(hooks) == 1 {
		a.hook = hooks[0]
	} else {
		a.hook = hooks
	}

	if ns := a.cfg.AWS.CloudWatchNamespace; ns != "" {
		c, err := awsClients()
		if err != nil {
			return err
		}
		a.observers = append(a.observers, metrics.NewRunMetrics(c.CloudWatch, ns))
	}

	a.log.Info("wired",
		zap.String("backend", a.cfg.StoreBackend),
		zap.Strings("release_hooks", a.cfg.Release.Hooks),
		zap.Bool("cloudwatch", len(a.observers) > 0),
	)
	return nil
}

func (a *app) engine() *worker.ReconciliationEngine {
	return worker.NewReconciliationEngine(a.orders, a.hook, a.releases, worker.EngineConfig{
		BatchLimit:        a.cfg.Reconcile.BatchLimit,
		Concurrency:       a.cfg.Reconcile.Concurrency,
		OrderTimeout:      a.cfg.Reconcile.OrderTimeout,
		ReleaseRetryDelay: a.cfg.Release.RetryInterval,
	}, a.log, a.observers...)
}

func (a *app) relay() *worker.ReleaseRelay {
	return worker.NewReleaseRelay(a.log, a.releases, a.hook, a.clock, worker.RelayConfig{
		Interval:    a.cfg.Release.RetryInterval,
		BatchSize:   a.cfg.Release.RetryBatch,
		Lease:       a.cfg.Release.RetryLease,
		MaxAttempts: a.cfg.Release.MaxAttempts,
		BaseDelay:   a.cfg.Release.RetryInterval,
	})
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
	return errors.Join(errs...)
}

type pingHealth func(ctx context.Context) error

func (p pingHealth) Health(ctx context.Context) map[string]string {
	if err := p(ctx); err != nil {
		return map[string]string{"status": "down", "error": err.Error()}
	}
	return map[string]string{"status": "up"}
}
