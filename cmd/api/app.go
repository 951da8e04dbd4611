package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mcclellann/microcredit/pkg/config"
	"github.com/mcclellann/microcredit/pkg/enrollment"
	"github.com/mcclellann/microcredit/pkg/lending"
	"github.com/mcclellann/microcredit/pkg/lock"
	"github.com/mcclellann/microcredit/pkg/logger"
	"github.com/mcclellann/microcredit/pkg/savings"
	"github.com/mcclellann/microcredit/pkg/sequence"
	"github.com/mcclellann/microcredit/pkg/store"
)

// app owns the store, the optional Redis client and the services built on them.
type app struct {
	store      *store.SQLiteStore
	redis      *redis.Client
	lending    *lending.Service
	savings    *savings.Service
	enrollment *enrollment.Service
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	settings, err := lending.SettingsFromConfig(cfg.Lending)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	a := &app{store: st}

	var alloc sequence.Allocator
	if cfg.Sequence.Backend == "redis" {
		a.redis, err = sequence.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		ra := sequence.NewRedisAllocator(a.redis)
		if err := seedAllocator(ctx, st, ra); err != nil {
			a.Close()
			return nil, err
		}
		alloc = ra
	}

	locks := lock.NewKeyedMutex()
	lendingOpts := []lending.Option{lending.WithSettings(settings), lending.WithLocks(locks)}
	savingsOpts := []savings.Option{savings.WithLocks(locks)}
	var enrollOpts []enrollment.Option
	if alloc != nil {
		lendingOpts = append(lendingOpts, lending.WithAllocator(alloc))
		savingsOpts = append(savingsOpts, savings.WithAllocator(alloc))
		enrollOpts = append(enrollOpts, enrollment.WithAllocator(alloc))
	}
	a.lending = lending.NewService(st, lendingOpts...)
	a.savings = savings.NewService(st, savingsOpts...)
	a.enrollment = enrollment.NewService(st, enrollOpts...)
	return a, nil
}

// seedAllocator raises every Redis counter to the last number the database
// issued, so switching backends never reissues a code.
func seedAllocator(ctx context.Context, st *store.SQLiteStore, ra *sequence.RedisAllocator) error {
	last, err := st.Sequences(ctx)
	if err != nil {
		return err
	}
	for scope, n := range last {
		if err := ra.Floor(ctx, scope, n); err != nil {
			return err
		}
	}
	logger.L().Info("redis sequences seeded", zap.Int("scopes", len(last)))
	return nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.L().Warn("failed to close redis client", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		logger.L().Warn("failed to close store", zap.Error(err))
	}
}
