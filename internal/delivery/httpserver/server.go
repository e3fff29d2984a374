// internal/delivery/httpserver/server.go
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"course-funnel-bot/pkg/logger"
)

// HealthRoute - проверка готовности для балансировщика
const HealthRoute = "/health"

// Routes - обработчик, регистрирующий свои маршруты
type Routes interface {
	RegisterRoutes(router chi.Router)
}

// HealthChecker - зависимость, проверяемая в /health
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RateLimiter - ограничение запросов с одного адреса
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

// Config параметры HTTP сервера
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    int // запросов в окне с одного IP, 0 - без ограничения
	RateWindow   time.Duration
}

// Server - HTTP сервер колбэков платёжных шлюзов и вебхука бота
type Server struct {
	httpServer *http.Server
	checks     map[string]HealthChecker
}

// New собирает роутер с общими middleware и маршрутами обработчиков
func New(cfg Config, limiter RateLimiter, checks map[string]HealthChecker, routes ...Routes) *Server {
	s := &Server{checks: checks}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	router.Get(HealthRoute, s.health)

	router.Group(func(r chi.Router) {
		if limiter != nil && cfg.RateLimit > 0 {
			r.Use(rateLimit(limiter, cfg.RateLimit, cfg.RateWindow))
		}
		for _, rt := range routes {
			rt.RegisterRoutes(r)
		}
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  orDefault(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:  orDefault(cfg.IdleTimeout, 60*time.Second),
	}
	return s
}

// Start начинает принимать запросы; блокирует до Shutdown
func (s *Server) Start() error {
	logger.Info("🌐 [HTTP] Сервер слушает %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown корректно завершает сервер, дожидаясь активных запросов
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("🛑 [HTTP] Остановка сервера...")
	return s.httpServer.Shutdown(ctx)
}

// Handler возвращает http.Handler (тесты)
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	code := http.StatusOK

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// requestLogger пишет запросы в общий лог приложения
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		if r.URL.Path == HealthRoute {
			return
		}
		logger.Debug("[HTTP] %s %s -> %d (%v, %s)", r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

// rateLimit отклоняет запросы сверх лимита с одного адреса. Ошибка
// хранилища лимитов запрос не блокирует.
func rateLimit(limiter RateLimiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	window = orDefault(window, time.Minute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, _, err := limiter.CheckRateLimit(r.Context(), "ratelimit:http:"+clientIP(r), limit, window)
			if err != nil {
				logger.Warn("⚠️ [HTTP] Ошибка проверки лимита: %v", err)
			} else if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
