// internal/infrastructure/persistence/postgres/connection.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"course-funnel-bot/internal/infrastructure/config"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/migrations"
	"course-funnel-bot/pkg/logger"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect открывает пул соединений и при необходимости применяет миграции
func Connect(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	dbCfg := cfg.Database

	logger.Info("📡 Подключение к PostgreSQL: %s:%d/%s", dbCfg.Host, dbCfg.Port, dbCfg.Name)

	db, err := sqlx.Open("postgres", cfg.GetPostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// Настройки пула соединений
	db.SetMaxOpenConns(dbCfg.MaxOpenConns)
	db.SetMaxIdleConns(dbCfg.MaxIdleConns)
	db.SetConnMaxLifetime(dbCfg.MaxConnLifetime)
	db.SetConnMaxIdleTime(dbCfg.MaxConnIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info("✅ Connected to PostgreSQL (pool %d/%d)", dbCfg.MaxIdleConns, dbCfg.MaxOpenConns)

	if dbCfg.EnableAutoMigrate {
		if err := migrations.Up(db.DB); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// InTx выполняет fn в транзакции; откат при ошибке
func InTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("❌ Ошибка отката транзакции: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}
