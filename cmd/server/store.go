package main

import (
	"context"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/config"
	"github.com/rl1809/inventory-ledger/internal/port"
)

type store interface {
	port.LedgerRepository
	port.SnapshotRepository
}

func openMySQL(ctx context.Context, cfg config.MySQLConfig) (*storage.MySQLAdapter, error) {
	db, err := sqlx.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return storage.NewMySQLAdapter(db), nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, error) {
	switch cfg.Storage.Driver {
	case config.DriverBadger:
		s, err := storage.OpenBadger(cfg.Storage.BadgerDir)
		if err != nil {
			return nil, err
		}
		logger.Info("opened badger store", zap.String("dir", cfg.Storage.BadgerDir))
		return s, nil
	case config.DriverMySQL:
		s, err := openMySQL(ctx, cfg.MySQL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		logger.Info("connected to mysql")
		return s, nil
	default:
		logger.Warn("using in-memory store, state is lost on exit")
		return storage.NewMemoryAdapter(), nil
	}
}
