// cmd/bot/serve.go
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"course-funnel-bot/application/bootstrap"
	"course-funnel-bot/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить бота, HTTP колбэки шлюзов и планировщик",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("некорректная конфигурация: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.NewAppBuilder().WithConfig(cfg).Build(ctx)
	if err != nil {
		return fmt.Errorf("сборка приложения: %w", err)
	}

	logger.Info("🚀 Запуск course-funnel-bot %s...", version)
	return app.Run(ctx)
}
