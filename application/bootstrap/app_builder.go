// application/bootstrap/app_builder.go
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"course-funnel-bot/application/scheduler"
	"course-funnel-bot/application/services/fulfilment"
	"course-funnel-bot/application/services/stats"
	"course-funnel-bot/internal/core/domain/access"
	"course-funnel-bot/internal/core/domain/funnel"
	"course-funnel-bot/internal/core/domain/payment"
	"course-funnel-bot/internal/core/domain/subscription"
	"course-funnel-bot/internal/delivery/gateway/click"
	"course-funnel-bot/internal/delivery/gateway/payme"
	"course-funnel-bot/internal/delivery/httpserver"
	"course-funnel-bot/internal/delivery/telegram/app/bot"
	telegram_http "course-funnel-bot/internal/delivery/telegram/app/http_client"
	"course-funnel-bot/internal/delivery/telegram/throttle"
	"course-funnel-bot/internal/infrastructure/cache/redis"
	"course-funnel-bot/internal/infrastructure/config"
	storage "course-funnel-bot/internal/infrastructure/persistence/in_memory_storage"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/database"
	postgres_factory "course-funnel-bot/internal/infrastructure/persistence/postgres/factory"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	answer_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/answer"
	funnel_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/funnel"
	invite_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/invite"
	payment_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/payment"
	plan_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/plan"
	event_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/scheduled_event"
	subscription_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/subscription"
	users_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/users"
	"course-funnel-bot/pkg/logger"
)

// repositories - хранилище приложения: PostgreSQL или память процесса
type repositories struct {
	users         users_repo.UserRepository
	funnels       funnel_repo.FunnelRepository
	answers       answer_repo.AnswerRepository
	plans         plan_repo.PlanRepository
	transactions  payment_repo.TransactionRepository
	subscriptions subscription_repo.SubscriptionRepository
	events        event_repo.EventRepository
	invites       invite_repo.InviteRepository
}

func memoryRepositories(store *storage.Storage) *repositories {
	return &repositories{
		users:         store.Users(),
		funnels:       store.Funnels(),
		answers:       store.Answers(),
		plans:         store.Plans(),
		transactions:  store.Transactions(),
		subscriptions: store.Subscriptions(),
		events:        store.Events(),
		invites:       store.Invites(),
	}
}

func postgresRepositories(db *database.DatabaseService) (*repositories, error) {
	rf, err := postgres_factory.NewRepositoryFactory(postgres_factory.RepositoryDependencies{DatabaseService: db})
	if err != nil {
		return nil, err
	}

	r := &repositories{}
	steps := []func() error{
		func() (err error) { r.users, err = rf.CreateUserRepository(); return },
		func() (err error) { r.funnels, err = rf.CreateFunnelRepository(); return },
		func() (err error) { r.answers, err = rf.CreateAnswerRepository(); return },
		func() (err error) { r.plans, err = rf.CreatePlanRepository(); return },
		func() (err error) { r.transactions, err = rf.CreateTransactionRepository(); return },
		func() (err error) { r.subscriptions, err = rf.CreateSubscriptionRepository(); return },
		func() (err error) { r.events, err = rf.CreateEventRepository(); return },
		func() (err error) { r.invites, err = rf.CreateInviteRepository(); return },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, fmt.Errorf("ошибка создания репозиториев: %w", err)
		}
	}
	return r, nil
}

// components - собранный граф зависимостей
type components struct {
	repos       *repositories
	telegram    *telegram_http.TelegramClient
	definitions *funnel.Definitions
	engine      *funnel.Engine
	access      *access.Manager
	subs        *subscription.Service
	fulfilment  *fulfilment.Service
	reconciler  *payment.Reconciler
	bot         *bot.TelegramBot
	poller      *bot.PollingClient
	server      *httpserver.Server
	scheduler   *scheduler.Scheduler
}

// wire собирает сервисы поверх хранилища и транспорта
func wire(cfg *config.Config, repos *repositories, cache *redis.Cache, tg *telegram_http.TelegramClient,
	checks map[string]httpserver.HealthChecker, now func() time.Time) (*components, error) {

	c := &components{repos: repos, telegram: tg}

	var bucket throttle.Bucket
	if cache != nil {
		bucket = cache
	}
	sender := throttle.NewSender(tg, bucket)

	var defCache funnel.Cache
	if cache != nil {
		defCache = cache
	}
	c.definitions = funnel.NewDefinitions(repos.funnels, defCache)

	engine, err := funnel.NewEngine(funnel.Dependencies{
		Users:       repos.users,
		Answers:     repos.answers,
		Events:      repos.events,
		Plans:       repos.plans,
		Definitions: c.definitions,
		Sender:      sender,
		Channel:     tg,
		Gateways:    cfg.EnabledGateways(),
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания воронки: %w", err)
	}
	c.engine = engine

	c.access = access.NewManager(repos.invites, tg, access.Config{
		ChannelID:    cfg.Telegram.ChannelID,
		StaticInvite: cfg.Telegram.StaticInvite,
		InviteTTL:    cfg.Telegram.InviteTTL,
	}, now)

	c.subs = subscription.NewService(subscription.Dependencies{
		Subscriptions: repos.subscriptions,
		Users:         repos.users,
		Plans:         repos.plans,
		Access:        c.access,
		Paid:          engine,
		Sender:        sender,
		Now:           now,
	})

	c.fulfilment = fulfilment.NewService(fulfilment.Dependencies{
		Subscriptions:    c.subs,
		SubscriptionRepo: repos.subscriptions,
		Transactions:     repos.transactions,
		Users:            repos.users,
		Access:           c.access,
		Funnel:           engine,
		Sender:           sender,
	})

	c.reconciler, err = payment.NewReconciler(payment.Dependencies{
		Transactions: repos.transactions,
		Plans:        repos.plans,
		Fulfiller:    c.fulfilment,
		Timeouts:     map[string]time.Duration{models.GatewayPayme: cfg.Payme.Timeout},
		Now:          now,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания платёжного модуля: %w", err)
	}

	var routes []httpserver.Routes
	if cfg.Payme.Enabled {
		h := payme.NewHandler(c.reconciler, payme.Config{
			MerchantID:  cfg.Payme.MerchantID,
			Key:         cfg.Payme.Key,
			CheckoutURL: cfg.Payme.CheckoutURL,
			Timeout:     cfg.Payme.Timeout,
			MaxBodySize: cfg.HTTP.MaxBodySize,
		})
		c.reconciler.RegisterCheckout(models.GatewayPayme, h)
		routes = append(routes, h)
	}
	if cfg.Click.Enabled {
		h := click.NewHandler(c.reconciler, click.Config{
			ServiceID:   cfg.Click.ServiceID,
			MerchantID:  cfg.Click.MerchantID,
			SecretKey:   cfg.Click.SecretKey,
			CheckoutURL: cfg.Click.CheckoutURL,
			MaxBodySize: cfg.HTTP.MaxBodySize,
		})
		c.reconciler.RegisterCheckout(models.GatewayClick, h)
		routes = append(routes, h)
	}

	var limiter interface {
		bot.RateLimiter
		httpserver.RateLimiter
	} = bot.NewLocalLimiter()
	if cache != nil {
		limiter = cache
	}

	c.bot = bot.NewTelegramBot(bot.Dependencies{
		Funnel:    engine,
		Checkout:  c.reconciler,
		Invites:   c.access,
		Sender:    sender,
		Callbacks: tg,
		Limiter:   limiter,
		RateLimit: cfg.Telegram.UserRateLimit,
		Stats:     stats.NewService(repos.users, repos.subscriptions, repos.transactions, cfg.EnabledGateways(), now),
		Admins:    cfg.IsAdmin,
	})

	if cfg.IsWebhookMode() {
		routes = append(routes, bot.NewWebhookHandler(c.bot, cfg.Telegram.WebhookSecret))
	} else {
		c.poller = bot.NewPollingClient(c.bot, telegram_http.NewPollingClient(tg.GetBaseURL()))
	}

	c.server = httpserver.New(httpserver.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		RateLimit:    cfg.HTTP.RateLimit,
		RateWindow:   cfg.HTTP.RateWindow,
	}, limiter, checks, routes...)

	var locker scheduler.Locker
	if cache != nil {
		locker = cache
	}
	c.scheduler = scheduler.New(locker, cfg.Scheduler.LockTTL)
	dispatcher := scheduler.NewDispatcher(repos.events, repos.users, engine, sender, scheduler.DispatcherConfig{
		BatchSize:   cfg.Scheduler.BatchSize,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
	}, now)
	scheduler.RegisterJobs(c.scheduler, scheduler.JobsConfig{
		EventsEvery:    cfg.Scheduler.Tick,
		LifecycleEvery: cfg.Scheduler.LifecycleInterval,
		RecoveryEvery:  cfg.Scheduler.RecoveryInterval,
		BatchSize:      cfg.Scheduler.BatchSize,
	}, dispatcher, c.subs, c.fulfilment)

	return c, nil
}

// seedFunnel импортирует воронку из файла, если в хранилище воронок ещё нет
func seedFunnel(ctx context.Context, defs *funnel.Definitions, path string) error {
	if path == "" {
		return nil
	}
	existing, err := defs.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	def, err := defs.LoadFile(path)
	if err != nil {
		return err
	}
	f, err := defs.Import(ctx, *def)
	if err != nil {
		return err
	}
	logger.Info("📥 Воронка %q импортирована из %s (версия %d)", f.Slug, path, f.Version)
	return nil
}
