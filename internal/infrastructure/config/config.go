// /internal/infrastructure/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ============================================
// КОНФИГУРАЦИЯ БАЗЫ ДАННЫХ
// ============================================

// DatabaseConfig - конфигурация базы данных
type DatabaseConfig struct {
	// Основные параметры подключения
	Host     string `mapstructure:"DB_HOST"`
	Port     int    `mapstructure:"DB_PORT"`
	User     string `mapstructure:"DB_USER"`
	Password string `mapstructure:"DB_PASSWORD"`
	Name     string `mapstructure:"DB_NAME"`
	SSLMode  string `mapstructure:"DB_SSLMODE"`

	// false - работа на in-memory хранилище (dev)
	Enabled bool `mapstructure:"DB_ENABLED"`

	// Настройки пула соединений
	MaxOpenConns    int           `mapstructure:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `mapstructure:"DB_MAX_IDLE_CONNS"`
	MaxConnLifetime time.Duration `mapstructure:"DB_MAX_CONN_LIFETIME"`
	MaxConnIdleTime time.Duration `mapstructure:"DB_MAX_CONN_IDLE_TIME"`

	// Миграции применяются при старте serve
	EnableAutoMigrate bool `mapstructure:"DB_ENABLE_AUTO_MIGRATE"`
}

// RedisConfig конфигурация Redis
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`     // localhost
	Port     int    `mapstructure:"REDIS_PORT"`     // 6379
	Password string `mapstructure:"REDIS_PASSWORD"` // пустой или пароль
	DB       int    `mapstructure:"REDIS_DB"`       // 0
	Enabled  bool   `mapstructure:"REDIS_ENABLED"`

	PoolSize     int           `mapstructure:"REDIS_POOL_SIZE"`      // 10
	MinIdleConns int           `mapstructure:"REDIS_MIN_IDLE_CONNS"` // 5
	DialTimeout  time.Duration `mapstructure:"REDIS_DIAL_TIMEOUT"`   // 5s
	ReadTimeout  time.Duration `mapstructure:"REDIS_READ_TIMEOUT"`   // 3s
	WriteTimeout time.Duration `mapstructure:"REDIS_WRITE_TIMEOUT"`  // 3s

	// Настройки кэширования
	Prefix     string        `mapstructure:"REDIS_PREFIX"`      // funnel:
	DefaultTTL time.Duration `mapstructure:"REDIS_DEFAULT_TTL"` // 10m
}

// ============================================
// ТРАНСПОРТ
// ============================================

// TelegramConfig - бот и закрытый канал
type TelegramConfig struct {
	BotToken      string        `mapstructure:"TG_BOT_TOKEN"`
	APIURL        string        `mapstructure:"TG_API_URL"`
	Mode          string        `mapstructure:"TELEGRAM_MODE"`  // polling | webhook
	WebhookURL    string        `mapstructure:"TG_WEBHOOK_URL"` // пусто - вебхук регистрируется вручную
	WebhookSecret string        `mapstructure:"TG_WEBHOOK_SECRET"`
	ChannelID     string        `mapstructure:"TG_CHANNEL_ID"`
	StaticInvite  string        `mapstructure:"TG_STATIC_INVITE_LINK"`
	InviteTTL     time.Duration `mapstructure:"TG_INVITE_TTL"`
	AdminIDs      []int64       `mapstructure:"TG_ADMIN_IDS"`
	UserRateLimit int           `mapstructure:"TG_USER_RATE_LIMIT"` // сообщений в минуту
}

// HTTPConfig - HTTP сервер (колбэки платежей и вебхук бота)
type HTTPConfig struct {
	Addr         string        `mapstructure:"HTTP_ADDR"`
	ReadTimeout  time.Duration `mapstructure:"HTTP_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"HTTP_IDLE_TIMEOUT"`
	MaxBodySize  int64         `mapstructure:"HTTP_MAX_BODY_SIZE"`
	RateLimit    int           `mapstructure:"HTTP_RATE_LIMIT"`
	RateWindow   time.Duration `mapstructure:"HTTP_RATE_WINDOW"`
}

// ============================================
// ПЛАТЕЖНЫЕ ШЛЮЗЫ
// ============================================

// PaymeConfig - Payme Merchant API
type PaymeConfig struct {
	Enabled     bool          `mapstructure:"PAYME_ENABLED"`
	MerchantID  string        `mapstructure:"PAYME_MERCHANT_ID"`
	Key         string        `mapstructure:"PAYME_KEY"`
	CheckoutURL string        `mapstructure:"PAYME_CHECKOUT_URL"`
	Timeout     time.Duration `mapstructure:"PAYME_TIMEOUT"` // 12h
}

// ClickConfig - Click SHOP-API
type ClickConfig struct {
	Enabled     bool   `mapstructure:"CLICK_ENABLED"`
	ServiceID   string `mapstructure:"CLICK_SERVICE_ID"`
	MerchantID  string `mapstructure:"CLICK_MERCHANT_ID"`
	SecretKey   string `mapstructure:"CLICK_SECRET_KEY"`
	CheckoutURL string `mapstructure:"CLICK_CHECKOUT_URL"`
}

// ============================================
// ПЛАНИРОВЩИК
// ============================================

// SchedulerConfig - цикл доставки отложенных событий
type SchedulerConfig struct {
	Tick              time.Duration `mapstructure:"SCHEDULER_TICK"`
	BatchSize         int           `mapstructure:"SCHEDULER_BATCH"`
	MaxAttempts       int           `mapstructure:"SCHEDULER_MAX_ATTEMPTS"` // 0 - без ограничения
	LifecycleInterval time.Duration `mapstructure:"SCHEDULER_LIFECYCLE_INTERVAL"`
	RecoveryInterval  time.Duration `mapstructure:"SCHEDULER_RECOVERY_INTERVAL"`
	LockTTL           time.Duration `mapstructure:"SCHEDULER_LOCK_TTL"`
}

// LoggingConfig - логирование
type LoggingConfig struct {
	Level     string `mapstructure:"LOG_LEVEL"`
	File      string `mapstructure:"LOG_FILE"`
	DebugMode bool   `mapstructure:"DEBUG_MODE"`
}

// ============================================
// ОСНОВНАЯ КОНФИГУРАЦИЯ ПРИЛОЖЕНИЯ
// ============================================

// Config - основная структура конфигурации
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	Version     string `mapstructure:"VERSION"`

	Database  DatabaseConfig  `mapstructure:"DATABASE"`
	Redis     RedisConfig     `mapstructure:",squash"`
	Telegram  TelegramConfig  `mapstructure:",squash"`
	HTTP      HTTPConfig      `mapstructure:",squash"`
	Payme     PaymeConfig     `mapstructure:",squash"`
	Click     ClickConfig     `mapstructure:",squash"`
	Scheduler SchedulerConfig `mapstructure:",squash"`
	Logging   LoggingConfig   `mapstructure:",squash"`

	// Файл воронки, импортируемый при старте, если воронок ещё нет
	FunnelFile string `mapstructure:"FUNNEL_FILE"`
}

// ============================================
// ЗАГРУЗКА КОНФИГУРАЦИИ
// ============================================

// LoadConfig загружает конфигурацию из .env файла
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("⚠️  Config file not found, using environment variables\n")
		}
	}

	cfg := &Config{}

	// ======================
	// ОСНОВНЫЕ НАСТРОЙКИ
	// ======================
	cfg.Environment = getEnv("ENVIRONMENT", "production")
	cfg.Version = getEnv("VERSION", "1.0.0")
	cfg.FunnelFile = getEnv("FUNNEL_FILE", "")

	// ======================
	// БАЗА ДАННЫХ
	// ======================
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "")
	cfg.Database.Password = getEnv("DB_PASSWORD", "")
	cfg.Database.Name = getEnv("DB_NAME", "")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 10)
	cfg.Database.MaxConnLifetime = getEnvDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute)
	cfg.Database.MaxConnIdleTime = getEnvDuration("DB_MAX_CONN_IDLE_TIME", 10*time.Minute)
	cfg.Database.EnableAutoMigrate = getEnvBool("DB_ENABLE_AUTO_MIGRATE", true)
	cfg.Database.Enabled = getEnvBool("DB_ENABLED", true)

	// ======================
	// REDIS
	// ======================
	cfg.Redis.Host = getEnv("REDIS_HOST", "localhost")
	cfg.Redis.Port = getEnvInt("REDIS_PORT", 6379)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", 10)
	cfg.Redis.MinIdleConns = getEnvInt("REDIS_MIN_IDLE_CONNS", 5)
	cfg.Redis.DialTimeout = getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second)
	cfg.Redis.ReadTimeout = getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second)
	cfg.Redis.WriteTimeout = getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second)
	cfg.Redis.Prefix = getEnv("REDIS_PREFIX", "funnel:")
	cfg.Redis.DefaultTTL = getEnvDuration("REDIS_DEFAULT_TTL", 10*time.Minute)
	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", true)

	// ======================
	// TELEGRAM
	// ======================
	cfg.Telegram.BotToken = getEnv("TG_BOT_TOKEN", "")
	cfg.Telegram.APIURL = getEnv("TG_API_URL", "https://api.telegram.org")
	cfg.Telegram.Mode = strings.ToLower(getEnv("TELEGRAM_MODE", "polling"))
	cfg.Telegram.WebhookURL = getEnv("TG_WEBHOOK_URL", "")
	cfg.Telegram.WebhookSecret = getEnv("TG_WEBHOOK_SECRET", "")
	cfg.Telegram.ChannelID = getEnv("TG_CHANNEL_ID", "")
	cfg.Telegram.StaticInvite = getEnv("TG_STATIC_INVITE_LINK", "")
	cfg.Telegram.InviteTTL = getEnvDuration("TG_INVITE_TTL", 24*time.Hour)
	cfg.Telegram.AdminIDs = parseInt64List(getEnv("TG_ADMIN_IDS", ""))
	cfg.Telegram.UserRateLimit = getEnvInt("TG_USER_RATE_LIMIT", 30)

	// ======================
	// HTTP
	// ======================
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.HTTP.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second)
	cfg.HTTP.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second)
	cfg.HTTP.IdleTimeout = getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second)
	cfg.HTTP.MaxBodySize = getEnvInt64("HTTP_MAX_BODY_SIZE", 1<<20)
	cfg.HTTP.RateLimit = getEnvInt("HTTP_RATE_LIMIT", 120)
	cfg.HTTP.RateWindow = getEnvDuration("HTTP_RATE_WINDOW", time.Minute)

	// ======================
	// ПЛАТЕЖИ
	// ======================
	cfg.Payme.Enabled = getEnvBool("PAYME_ENABLED", false)
	cfg.Payme.MerchantID = getEnv("PAYME_MERCHANT_ID", "")
	cfg.Payme.Key = getEnv("PAYME_KEY", "")
	cfg.Payme.CheckoutURL = getEnv("PAYME_CHECKOUT_URL", "https://checkout.paycom.uz")
	cfg.Payme.Timeout = getEnvDuration("PAYME_TIMEOUT", 12*time.Hour)

	cfg.Click.Enabled = getEnvBool("CLICK_ENABLED", false)
	cfg.Click.ServiceID = getEnv("CLICK_SERVICE_ID", "")
	cfg.Click.MerchantID = getEnv("CLICK_MERCHANT_ID", "")
	cfg.Click.SecretKey = getEnv("CLICK_SECRET_KEY", "")
	cfg.Click.CheckoutURL = getEnv("CLICK_CHECKOUT_URL", "https://my.click.uz/services/pay")

	// ======================
	// ПЛАНИРОВЩИК
	// ======================
	cfg.Scheduler.Tick = getEnvDuration("SCHEDULER_TICK", 30*time.Second)
	cfg.Scheduler.BatchSize = getEnvInt("SCHEDULER_BATCH", 100)
	cfg.Scheduler.MaxAttempts = getEnvInt("SCHEDULER_MAX_ATTEMPTS", 10)
	cfg.Scheduler.LifecycleInterval = getEnvDuration("SCHEDULER_LIFECYCLE_INTERVAL", 10*time.Minute)
	cfg.Scheduler.RecoveryInterval = getEnvDuration("SCHEDULER_RECOVERY_INTERVAL", 5*time.Minute)
	cfg.Scheduler.LockTTL = getEnvDuration("SCHEDULER_LOCK_TTL", 2*time.Minute)

	// ======================
	// ЛОГИРОВАНИЕ
	// ======================
	cfg.Logging.Level = getEnv("LOG_LEVEL", "info")
	cfg.Logging.File = getEnv("LOG_FILE", "logs/funnel_bot.log")
	cfg.Logging.DebugMode = getEnvBool("DEBUG_MODE", false)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ============================================
// ВАЛИДАЦИЯ
// ============================================

// validate проверяет обязательные параметры конфигурации
func (c *Config) validate() error {
	var validationErrors []string

	if c.Database.Enabled {
		if c.Database.Host == "" {
			validationErrors = append(validationErrors, "DB_HOST is required")
		}
		if c.Database.Port <= 0 {
			validationErrors = append(validationErrors, "DB_PORT must be positive")
		}
		if c.Database.User == "" {
			validationErrors = append(validationErrors, "DB_USER is required")
		}
		if c.Database.Name == "" {
			validationErrors = append(validationErrors, "DB_NAME is required")
		}
	}

	if c.Telegram.BotToken == "" {
		validationErrors = append(validationErrors, "TG_BOT_TOKEN is required")
	}
	if c.Telegram.Mode != "polling" && c.Telegram.Mode != "webhook" {
		validationErrors = append(validationErrors, "TELEGRAM_MODE должен быть 'polling' или 'webhook'")
	}
	if c.Telegram.Mode == "webhook" && c.Telegram.WebhookSecret == "" {
		validationErrors = append(validationErrors, "TG_WEBHOOK_SECRET обязателен для webhook режима")
	}
	if c.Telegram.ChannelID == "" && c.Telegram.StaticInvite == "" {
		validationErrors = append(validationErrors, "TG_CHANNEL_ID или TG_STATIC_INVITE_LINK обязателен")
	}

	if c.Payme.Enabled {
		if c.Payme.MerchantID == "" {
			validationErrors = append(validationErrors, "PAYME_MERCHANT_ID обязателен при PAYME_ENABLED")
		}
		if c.Payme.Key == "" {
			validationErrors = append(validationErrors, "PAYME_KEY обязателен при PAYME_ENABLED")
		}
	}
	if c.Click.Enabled {
		if c.Click.ServiceID == "" {
			validationErrors = append(validationErrors, "CLICK_SERVICE_ID обязателен при CLICK_ENABLED")
		}
		if c.Click.SecretKey == "" {
			validationErrors = append(validationErrors, "CLICK_SECRET_KEY обязателен при CLICK_ENABLED")
		}
	}

	if c.Scheduler.Tick <= 0 {
		validationErrors = append(validationErrors, "SCHEDULER_TICK must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		validationErrors = append(validationErrors, "SCHEDULER_BATCH must be positive")
	}
	if c.Scheduler.MaxAttempts < 0 {
		validationErrors = append(validationErrors, "SCHEDULER_MAX_ATTEMPTS must be >= 0")
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%s", strings.Join(validationErrors, "; "))
	}

	return nil
}

// ============================================
// ВСПОМОГАТЕЛЬНЫЕ МЕТОДЫ
// ============================================

// Validate проверяет конфигурацию (для CLI команд)
func (c *Config) Validate() error {
	return c.validate()
}

// GetPostgresDSN возвращает DSN для подключения к PostgreSQL
func (c *Config) GetPostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// GetRedisAddress возвращает адрес Redis
func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// IsWebhookMode - бот получает обновления через вебхук
func (c *Config) IsWebhookMode() bool {
	return c.Telegram.Mode == "webhook"
}

// EnabledGateways возвращает список включенных шлюзов
func (c *Config) EnabledGateways() []string {
	var gateways []string
	if c.Payme.Enabled {
		gateways = append(gateways, "payme")
	}
	if c.Click.Enabled {
		gateways = append(gateways, "click")
	}
	return gateways
}

// IsAdmin - пользователь из списка TG_ADMIN_IDS
func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.Telegram.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev" || c.Environment == "development"
}

// Summary возвращает основные параметры для логирования статуса
func (c *Config) Summary() map[string]string {
	return map[string]string{
		"Окружение":   c.Environment,
		"Версия":      c.Version,
		"PostgreSQL":  fmt.Sprintf("%v (%s:%d/%s)", c.Database.Enabled, c.Database.Host, c.Database.Port, c.Database.Name),
		"Redis":       fmt.Sprintf("%v (%s)", c.Redis.Enabled, c.GetRedisAddress()),
		"Telegram":    c.Telegram.Mode,
		"Шлюзы":       strings.Join(c.EnabledGateways(), ","),
		"Тик событий": c.Scheduler.Tick.String(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func parseInt64List(value string) []int64 {
	var result []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			result = append(result, id)
		}
	}
	return result
}
