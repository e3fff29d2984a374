// internal/core/domain/funnel/definitions.go
package funnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	funnel_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/funnel"
	"course-funnel-bot/pkg/logger"
)

const definitionTTL = 10 * time.Minute

// Cache - кэш определений воронок (Redis)
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Definitions - доступ к определениям воронок с кэшированием
type Definitions struct {
	repo     funnel_repo.FunnelRepository
	cache    Cache
	validate *validator.Validate
}

// NewDefinitions создает хранилище определений; cache может быть nil
func NewDefinitions(repo funnel_repo.FunnelRepository, cache Cache) *Definitions {
	return &Definitions{
		repo:     repo,
		cache:    cache,
		validate: validator.New(),
	}
}

func idKey(id int64) string      { return "funnel:id:" + strconv.FormatInt(id, 10) }
func slugKey(slug string) string { return "funnel:slug:" + slug }

const defaultKey = "funnel:default"

// ByID возвращает воронку по идентификатору
func (d *Definitions) ByID(ctx context.Context, id int64) (*models.Funnel, error) {
	return d.cached(ctx, idKey(id), func() (*models.Funnel, error) {
		return d.repo.GetByID(ctx, id)
	})
}

// BySlug возвращает воронку по slug из deep-link
func (d *Definitions) BySlug(ctx context.Context, slug string) (*models.Funnel, error) {
	return d.cached(ctx, slugKey(slug), func() (*models.Funnel, error) {
		return d.repo.GetBySlug(ctx, slug)
	})
}

// Default возвращает воронку по умолчанию
func (d *Definitions) Default(ctx context.Context) (*models.Funnel, error) {
	return d.cached(ctx, defaultKey, func() (*models.Funnel, error) {
		return d.repo.GetDefault(ctx)
	})
}

// Resolve ищет воронку по slug, а при пустом slug - воронку по умолчанию
func (d *Definitions) Resolve(ctx context.Context, slug string) (*models.Funnel, error) {
	if slug == "" {
		return d.Default(ctx)
	}
	return d.BySlug(ctx, slug)
}

func (d *Definitions) cached(ctx context.Context, key string, load func() (*models.Funnel, error)) (*models.Funnel, error) {
	if d.cache != nil {
		var f models.Funnel
		if err := d.cache.Get(ctx, key, &f); err == nil {
			return &f, nil
		}
	}

	f, err := load()
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrUnknownFunnel
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, key, f, definitionTTL); err != nil {
			logger.Warn("⚠️ [Funnel] Не удалось закэшировать воронку %s: %v", f.Slug, err)
		}
	}
	return f, nil
}

// Import проверяет определение и сохраняет его новой версией
func (d *Definitions) Import(ctx context.Context, def models.FunnelDefinition) (*models.Funnel, error) {
	if err := d.Validate(def); err != nil {
		return nil, err
	}

	f := &models.Funnel{Slug: def.Slug, Name: def.Name, Definition: def}
	if err := d.repo.Upsert(ctx, f); err != nil {
		return nil, fmt.Errorf("ошибка сохранения воронки %s: %w", def.Slug, err)
	}
	if def.IsDefault {
		if err := d.repo.SetDefault(ctx, f.ID); err != nil {
			return nil, fmt.Errorf("ошибка назначения воронки по умолчанию: %w", err)
		}
		f.IsDefault = true
	}

	if d.cache != nil {
		if err := d.cache.Delete(ctx, idKey(f.ID), slugKey(f.Slug), defaultKey); err != nil {
			logger.Warn("⚠️ [Funnel] Не удалось сбросить кэш воронки %s: %v", f.Slug, err)
		}
	}

	logger.Info("📚 [Funnel] Воронка %s импортирована, версия %d", f.Slug, f.Version)
	return f, nil
}

// List возвращает все воронки
func (d *Definitions) List(ctx context.Context) ([]*models.Funnel, error) {
	return d.repo.List(ctx)
}

// LoadFile читает определение воронки из YAML
func (d *Definitions) LoadFile(path string) (*models.FunnelDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла воронки: %w", err)
	}
	return d.Parse(data)
}

// Parse разбирает и проверяет YAML-определение
func (d *Definitions) Parse(data []byte) (*models.FunnelDefinition, error) {
	var def models.FunnelDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("ошибка разбора воронки: %w", err)
	}
	if err := d.Validate(def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate проверяет теги полей и связность уроков, вопросов и гейта
func (d *Definitions) Validate(def models.FunnelDefinition) error {
	if err := d.validate.Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("воронка %q: поле %s не прошло проверку %s", def.Slug, verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}

	lessons := make(map[int]bool, len(def.Lessons))
	for _, l := range def.Lessons {
		if lessons[l.Number] {
			return fmt.Errorf("воронка %q: урок %d объявлен дважды", def.Slug, l.Number)
		}
		lessons[l.Number] = true
		if l.AutoAdvance && l.AutoAdvanceMinutes == 0 {
			return fmt.Errorf("воронка %q: урок %d без auto_advance_minutes", def.Slug, l.Number)
		}
	}

	steps := make(map[int]bool, len(def.Questions))
	for _, q := range def.Questions {
		if steps[q.Step] {
			return fmt.Errorf("воронка %q: шаг вопроса %d объявлен дважды", def.Slug, q.Step)
		}
		steps[q.Step] = true
		if !lessons[q.AfterLesson] {
			return fmt.Errorf("воронка %q: вопрос %d ссылается на несуществующий урок %d", def.Slug, q.Step, q.AfterLesson)
		}
	}

	if gate := def.Gate.RequireSubscriptionBeforeLesson; gate > 0 && !lessons[gate] {
		return fmt.Errorf("воронка %q: гейт перед несуществующим уроком %d", def.Slug, gate)
	}
	return nil
}
