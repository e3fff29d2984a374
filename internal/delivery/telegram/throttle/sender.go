// internal/delivery/telegram/throttle/sender.go
package throttle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	telegram_http "course-funnel-bot/internal/delivery/telegram/app/http_client"
	"course-funnel-bot/internal/types/messaging"
	"course-funnel-bot/pkg/logger"
)

const (
	globalKey      = "tg:global"
	chatKeyPrefix  = "tg:chat:"
	globalRate     = 30 // сообщений в секунду на бота
	chatRate       = 1  // сообщение в секунду в один чат
	chatBurst      = 3
	maxAttempts    = 3
	pollInterval   = 33 * time.Millisecond
	defaultBackoff = 5 * time.Second
)

// Sender - отправка с учётом лимитов Bot API. Ждёт токен перед каждым
// сообщением, на 429 выжидает retry_after и повторяет. Ошибки, кроме 429,
// возвращаются вызывающему без изменений.
type Sender struct {
	next   messaging.Sender
	bucket Bucket
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewSender оборачивает отправителя; bucket может быть nil
func NewSender(next messaging.Sender, bucket Bucket) *Sender {
	if bucket == nil {
		bucket = NewLocalBucket()
	}
	return &Sender{next: next, bucket: bucket, sleep: sleepCtx}
}

// SendMessage отправляет текстовое сообщение
func (s *Sender) SendMessage(ctx context.Context, chatID int64, msg messaging.Message) error {
	return s.send(ctx, chatID, func() error {
		return s.next.SendMessage(ctx, chatID, msg)
	})
}

// SendMedia отправляет вложение
func (s *Sender) SendMedia(ctx context.Context, chatID int64, media messaging.Media, caption string, buttons [][]messaging.Button) error {
	return s.send(ctx, chatID, func() error {
		return s.next.SendMedia(ctx, chatID, media, caption, buttons)
	})
}

func (s *Sender) send(ctx context.Context, chatID int64, call func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.wait(ctx, globalKey, globalRate, globalRate); err != nil {
			return err
		}
		if err := s.wait(ctx, chatKeyPrefix+strconv.FormatInt(chatID, 10), chatBurst, chatRate); err != nil {
			return err
		}

		err = call()
		retryAfter, limited := rateLimited(err)
		if !limited {
			return err
		}
		logger.Warn("⚠️ [Telegram] Лимит Bot API для чата %d, повтор через %v (попытка %d)", chatID, retryAfter, attempt)
		if attempt < maxAttempts {
			if err := s.sleep(ctx, retryAfter); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("отправка в чат %d после %d попыток: %w", chatID, maxAttempts, err)
}

// wait ждёт токен; при ошибке хранилища лимитов отправка разрешается
func (s *Sender) wait(ctx context.Context, key string, capacity, rate int) error {
	for {
		ok, err := s.bucket.TakeToken(ctx, key, capacity, rate)
		if err != nil {
			logger.Debug("[Telegram] Ошибка token bucket %s: %v", key, err)
			return nil
		}
		if ok {
			return nil
		}
		if err := s.sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

func rateLimited(err error) (time.Duration, bool) {
	var apiErr *telegram_http.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusTooManyRequests {
		return 0, false
	}
	if apiErr.RetryAfter <= 0 {
		return defaultBackoff, true
	}
	return time.Duration(apiErr.RetryAfter) * time.Second, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
