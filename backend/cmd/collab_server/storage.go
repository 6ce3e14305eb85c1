package main

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"docsync/backend/config"
	"docsync/backend/internal/oplog"
	"docsync/backend/internal/store"
)

// backends 持有需要在退出时关闭的连接
type backends struct {
	log       oplog.Log
	snapshots store.SnapshotStore
	rdb       redis.UniversalClient
	closers   []func() error
}

func (b *backends) Close(logger *zap.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn("close backend failed", zap.Error(err))
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}
	fail := func(err error) (*backends, error) {
		b.Close(logger)
		return nil, err
	}

	// 日志与快照都用 badger 且路径相同时共用一个库
	dbs := map[string]*badger.DB{}
	openBadger := func(path string) (*badger.DB, error) {
		if db, ok := dbs[path]; ok {
			return db, nil
		}
		db, err := store.OpenBadger(ctx, path)
		if err != nil {
			return nil, err
		}
		dbs[path] = db
		b.closers = append(b.closers, db.Close)
		return db, nil
	}

	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		b.rdb = rdb
		b.closers = append(b.closers, rdb.Close)
	}

	switch cfg.OpLog.Backend {
	case "badger":
		db, err := openBadger(cfg.OpLog.BadgerPath)
		if err != nil {
			return fail(err)
		}
		b.log = oplog.NewBadgerLog(db)
	default:
		b.log = oplog.NewMemoryLog()
	}

	switch cfg.Storage.Backend {
	case "badger":
		db, err := openBadger(cfg.Storage.BadgerPath)
		if err != nil {
			return fail(err)
		}
		b.snapshots = store.NewBadgerStore(db)
	case "mysql":
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fail(err)
		}
		if sqlDB, err := db.DB(); err == nil {
			b.closers = append(b.closers, sqlDB.Close)
		}
		s, err := store.NewGormStore(db)
		if err != nil {
			return fail(err)
		}
		b.snapshots = s
	case "mongo":
		client, err := store.ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, func() error { return client.Disconnect(context.Background()) })
		b.snapshots = store.NewMongoStore(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))
	case "redis":
		b.snapshots = store.NewRedisStore(b.rdb)
	default:
		b.snapshots = store.NewMemoryStore()
	}

	logger.Info("storage ready",
		zap.String("oplog", cfg.OpLog.Backend),
		zap.String("snapshots", cfg.Storage.Backend),
		zap.Bool("presence", b.rdb != nil))
	return b, nil
}
