// cmd/bot/main.go
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"course-funnel-bot/internal/infrastructure/config"
	"course-funnel-bot/pkg/logger"
)

var (
	version   = "1.0.0"
	buildTime = "неизвестно"
)

var (
	env      string
	cfgPath  string
	logLevel string
	rootCmd  *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:           "course-funnel-bot",
		Short:         "Telegram-бот воронки бесплатного курса с оплатой через Payme и Click",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&env, "env", "dev", "Окружение (dev/prod), определяет configs/<env>/.env")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Путь к .env файлу (переопределяет --env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Уровень логирования: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(funnelCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Показать версию",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("course-funnel-bot %s (сборка: %s)\n", version, buildTime)
	},
}

// resolveConfigFile ищет .env: явный путь, затем configs/<env>/.env, затем ./.env
func resolveConfigFile() string {
	if cfgPath != "" {
		return cfgPath
	}
	candidates := []string{filepath.Join("configs", env, ".env"), ".env"}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	// только переменные окружения
	return ""
}

// loadConfig загружает конфигурацию и инициализирует глобальный логгер
func loadConfig() (*config.Config, error) {
	configFile := resolveConfigFile()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cfg.Version == "" {
		cfg.Version = version
	}

	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию логов: %w", err)
		}
	}
	if err := logger.InitGlobal(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.DebugMode); err != nil {
		fmt.Printf("⚠️  Не удалось открыть файл логов: %v. Переход на консольный...\n", err)
		if err := logger.InitGlobal("", cfg.Logging.Level, cfg.Logging.DebugMode); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		logger.Info("📁 Используемый конфиг файл: %s", configFile)
	} else {
		logger.Info("📁 Конфиг файл не найден, используются переменные окружения")
	}
	return cfg, nil
}
