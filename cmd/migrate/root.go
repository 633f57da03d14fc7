package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ap-payments/internal/platform/config"
	"github.com/pesio-ai/be-ap-payments/internal/platform/logger"
	"github.com/pesio-ai/be-ap-payments/migrations"
)

type runner func(ctx context.Context, p *goose.Provider, log *logger.Logger) error

func newRootCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply the payments database schema",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to DB_* environment variables)")

	with := func(run runner) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logger.New(logger.Config{
				Level:       cfg.LogLevel,
				Environment: cfg.Service.Environment,
				ServiceName: cfg.Service.Name + "-migrate",
				Version:     cfg.Service.Version,
			})

			if dsn == "" {
				dsn = cfg.Database.DSN()
			}
			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
			if err != nil {
				return fmt.Errorf("init goose: %w", err)
			}
			return run(cmd.Context(), provider, log)
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply all pending migrations", RunE: with(runUp)},
		&cobra.Command{Use: "down", Short: "Roll back the latest migration", RunE: with(runDown)},
		&cobra.Command{Use: "status", Short: "List migrations and whether they are applied", RunE: with(runStatus)},
		&cobra.Command{Use: "version", Short: "Print the current schema version", RunE: with(runVersion)},
	)
	return cmd
}

func runUp(ctx context.Context, p *goose.Provider, log *logger.Logger) error {
	results, err := p.Up(ctx)
	for _, r := range results {
		log.Info().
			Int64("version", r.Source.Version).
			Str("file", r.Source.Path).
			Dur("duration", r.Duration).
			Msg("Migration applied")
	}
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	if len(results) == 0 {
		log.Info().Msg("Schema already up to date")
	}
	return nil
}

func runDown(ctx context.Context, p *goose.Provider, log *logger.Logger) error {
	r, err := p.Down(ctx)
	if err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	log.Info().Int64("version", r.Source.Version).Str("file", r.Source.Path).Msg("Migration rolled back")
	return nil
}

func runStatus(ctx context.Context, p *goose.Provider, log *logger.Logger) error {
	statuses, err := p.Status(ctx)
	if err != nil {
		return fmt.Errorf("migrate status: %w", err)
	}
	for _, s := range statuses {
		ev := log.Info().Int64("version", s.Source.Version).Str("file", s.Source.Path).Str("state", string(s.State))
		if !s.AppliedAt.IsZero() {
			ev = ev.Time("applied_at", s.AppliedAt)
		}
		ev.Msg("Migration")
	}
	return nil
}

func runVersion(ctx context.Context, p *goose.Provider, log *logger.Logger) error {
	v, err := p.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("migrate version: %w", err)
	}
	log.Info().Int64("version", v).Msg("Current schema version")
	return nil
}
