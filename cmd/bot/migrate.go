// cmd/bot/migrate.go
package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"course-funnel-bot/internal/infrastructure/config"
	"course-funnel-bot/internal/infrastructure/persistence/postgres"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/migrations"
	"course-funnel-bot/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Управление схемой базы данных",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Применить все новые миграции",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(_ *config.Config, db *sqlx.DB) error {
			return migrations.Up(db.DB)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Откатить последние миграции (по умолчанию одну)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := 1
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("некорректное количество шагов: %q", args[0])
			}
			steps = n
		}
		return withDB(cmd.Context(), func(_ *config.Config, db *sqlx.DB) error {
			return migrations.Down(db.DB, steps)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Показать текущую версию схемы",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(_ *config.Config, db *sqlx.DB) error {
			v, dirty, err := migrations.Current(db.DB)
			if err != nil {
				return err
			}
			fmt.Printf("версия схемы: %d (dirty: %v)\n", v, dirty)
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
}

// withDB подключается к PostgreSQL без автоматических миграций
func withDB(ctx context.Context, fn func(cfg *config.Config, db *sqlx.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	if !cfg.Database.Enabled {
		return errors.New("команда требует DB_ENABLED=true")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.Database.EnableAutoMigrate = false

	db, err := postgres.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(cfg, db)
}
