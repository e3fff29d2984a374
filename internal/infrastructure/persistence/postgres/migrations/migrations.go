// internal/infrastructure/persistence/postgres/migrations/migrations.go
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"course-funnel-bot/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var sqlFS embed.FS

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания драйвера миграций: %w", err)
	}

	source, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения встроенных миграций: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации migrate: %w", err)
	}
	return m, nil
}

// Up применяет все новые миграции. Повторный вызов на актуальной схеме ничего не делает.
func Up(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	current := Version(m)
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("📂 Миграции: схема актуальна (версия %d)", current)
			return nil
		}
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	logger.Info("✅ Миграции применены: версия %d -> %d", current, Version(m))
	return nil
}

// Down откатывает steps последних миграций
func Down(db *sql.DB, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("количество шагов отката должно быть положительным")
	}

	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка отката миграций: %w", err)
	}

	logger.Info("↩️  Миграции откачены на %d шаг(ов), версия %d", steps, Version(m))
	return nil
}

// Version возвращает текущую версию схемы (0 для пустой базы)
func Version(m *migrate.Migrate) uint {
	v, dirty, err := m.Version()
	if err != nil {
		return 0
	}
	if dirty {
		logger.Warn("⚠️  Схема в состоянии dirty на версии %d", v)
	}
	return v
}

// Current возвращает версию схемы и признак dirty
func Current(db *sql.DB) (uint, bool, error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
