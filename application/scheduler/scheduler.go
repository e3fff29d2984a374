// application/scheduler/scheduler.go
package scheduler

import (
	"context"
	"sync"
	"time"

	"course-funnel-bot/pkg/logger"
)

const (
	defaultResolution = 30 * time.Second
	minResolution     = time.Second
	jobTimeout        = 5 * time.Minute
)

// Schedule определяет расписание задачи
type Schedule struct {
	interval time.Duration
}

// Every создает расписание "каждые N времени"
func Every(d time.Duration) Schedule {
	return Schedule{interval: d}
}

// nextRun вычисляет время следующего запуска относительно now
func (s Schedule) nextRun(now time.Time) time.Time {
	if s.interval <= 0 {
		return now.Add(time.Minute)
	}
	return now.Add(s.interval)
}

// Locker - распределённая блокировка, чтобы задачу выполнял один процесс
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error)
}

// NoopLocker всегда выдаёт блокировку (без Redis, один процесс)
type NoopLocker struct{}

// TryLock реализует Locker
func (NoopLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// Job описывает одну планируемую задачу
type Job struct {
	Name        string
	Description string
	Schedule    Schedule
	Handler     func(ctx context.Context) error
	// Quiet - не писать в лог успешные запуски (частые задачи)
	Quiet bool

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time
	lastErr error
	runs    int
	running bool
}

// Status возвращает текущее состояние задачи
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		Name:        j.Name,
		Description: j.Description,
		NextRun:     j.nextRun,
		LastRun:     j.lastRun,
		LastErr:     j.lastErr,
		Runs:        j.runs,
		Running:     j.running,
	}
}

// JobStatus снапшот состояния задачи
type JobStatus struct {
	Name        string
	Description string
	NextRun     time.Time
	LastRun     time.Time
	LastErr     error
	Runs        int
	Running     bool
}

// Scheduler - опрашивающий цикл поверх хранилища. Задача не запускается
// повторно, пока не закончился её предыдущий запуск.
type Scheduler struct {
	jobs       []*Job
	locker     Locker
	lockTTL    time.Duration
	resolution time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New создает новый планировщик; locker может быть nil
func New(locker Locker, lockTTL time.Duration) *Scheduler {
	if locker == nil {
		locker = NoopLocker{}
	}
	if lockTTL <= 0 {
		lockTTL = jobTimeout
	}
	return &Scheduler{
		locker:     locker,
		lockTTL:    lockTTL,
		resolution: defaultResolution,
		now:        func() time.Time { return time.Now().UTC() },
		stopChan:   make(chan struct{}),
	}
}

// Register добавляет задачу в планировщик.
// Должен вызываться до Start(). Первый запуск - сразу после старта.
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.nextRun = s.now()
	s.jobs = append(s.jobs, job)

	if iv := job.Schedule.interval; iv > 0 && iv < s.resolution {
		s.resolution = iv
		if s.resolution < minResolution {
			s.resolution = minResolution
		}
	}

	logger.Info("📋 [Scheduler] Зарегистрирована задача %q (каждые %v)", job.Name, job.Schedule.interval)
}

// Start запускает цикл планировщика в фоновой горутине
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	logger.Info("✅ [Scheduler] Запущен (%d задач, шаг %v)", len(s.jobs), s.resolution)
}

// Stop останавливает планировщик и ждёт завершения текущих задач
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	logger.Info("🛑 [Scheduler] Остановлен")
}

// Jobs возвращает статус всех задач
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.RUnlock()

	statuses := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		statuses[i] = j.Status()
	}
	return statuses
}

// loop - основной цикл: на каждом шаге проверяет, какие задачи нужно запустить
func (s *Scheduler) loop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick запускает задачи, у которых наступило время и нет активного запуска
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.RLock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.RUnlock()

	for _, job := range jobs {
		job.mu.Lock()
		due := !job.running && !now.Before(job.nextRun)
		if due {
			job.running = true
		}
		job.mu.Unlock()

		if due {
			s.wg.Add(1)
			go s.run(ctx, job)
		}
	}
}

// run выполняет одну задачу под блокировкой и обновляет её состояние
func (s *Scheduler) run(ctx context.Context, job *Job) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	start := s.now()
	err := s.runLocked(ctx, job)
	elapsed := time.Since(start)

	job.mu.Lock()
	job.lastRun = start
	job.lastErr = err
	job.runs++
	job.running = false
	job.nextRun = job.Schedule.nextRun(s.now())
	job.mu.Unlock()

	switch {
	case err != nil:
		logger.Error("❌ [Scheduler] Задача %q завершилась с ошибкой за %v: %v", job.Name, elapsed, err)
	case !job.Quiet:
		logger.Info("✅ [Scheduler] Задача %q выполнена за %v", job.Name, elapsed)
	}
}

func (s *Scheduler) runLocked(ctx context.Context, job *Job) error {
	release, ok, err := s.locker.TryLock(ctx, "scheduler:"+job.Name, s.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug("[Scheduler] Задача %q выполняется другим процессом", job.Name)
		return nil
	}
	defer release()

	return job.Handler(ctx)
}
