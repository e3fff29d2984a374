// cmd/bot/funnel.go
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"course-funnel-bot/internal/core/domain/funnel"
	"course-funnel-bot/internal/infrastructure/cache/redis"
	"course-funnel-bot/internal/infrastructure/config"
	funnel_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/funnel"
)

var funnelCmd = &cobra.Command{
	Use:   "funnel",
	Short: "Определения воронок",
}

var funnelImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Импортировать воронку из YAML новой версией",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDefinitions(cmd, func(defs *funnel.Definitions) error {
			def, err := defs.LoadFile(args[0])
			if err != nil {
				return err
			}
			f, err := defs.Import(cmd.Context(), *def)
			if err != nil {
				return err
			}
			fmt.Printf("✅ воронка %s импортирована, версия %d\n", f.Slug, f.Version)
			return nil
		})
	},
}

var funnelValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Проверить YAML воронки без сохранения",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs := funnel.NewDefinitions(nil, nil)
		def, err := defs.LoadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s: %d уроков, %d вопросов\n", def.Slug, len(def.Lessons), len(def.Questions))
		return nil
	},
}

var funnelListCmd = &cobra.Command{
	Use:   "list",
	Short: "Список воронок",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDefinitions(cmd, func(defs *funnel.Definitions) error {
			funnels, err := defs.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSLUG\tВЕРСИЯ\tПО УМОЛЧАНИЮ\tНАЗВАНИЕ")
			for _, f := range funnels {
				fmt.Fprintf(w, "%d\t%s\t%d\t%v\t%s\n", f.ID, f.Slug, f.Version, f.IsDefault, f.Name)
			}
			return w.Flush()
		})
	},
}

func init() {
	funnelCmd.AddCommand(funnelImportCmd)
	funnelCmd.AddCommand(funnelValidateCmd)
	funnelCmd.AddCommand(funnelListCmd)
}

// withDefinitions открывает хранилище воронок. Если включён Redis, импорт
// сбрасывает кэш определений работающего бота.
func withDefinitions(cmd *cobra.Command, fn func(defs *funnel.Definitions) error) error {
	return withDB(cmd.Context(), func(cfg *config.Config, db *sqlx.DB) error {
		var cache funnel.Cache
		if cfg.Redis.Enabled {
			c := redis.NewCache(cfg.Redis)
			defer c.Close()
			if err := c.Ping(cmd.Context()); err == nil {
				cache = c
			}
		}
		return fn(funnel.NewDefinitions(funnel_repo.NewFunnelRepository(db), cache))
	})
}
