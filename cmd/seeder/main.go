// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/outreach-engine/internal/config"
	"github.com/unclebandit/outreach-engine/internal/db"
)

var seedFiles = []string{
	"seed/templates.sql",
	"seed/recipients.sql",
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(context.Background(), logger); err != nil {
		logger.Error("seeding failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Database seeding completed successfully")
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store != "postgres" {
		return fmt.Errorf("seeder requires OUTREACH_STORE=postgres, got %q", cfg.Store)
	}
	conn, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBConnMaxIdle)
	if err != nil {
		return err
	}
	defer conn.Close()

	migrations, err := filepath.Glob("migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(migrations)

	for _, file := range append(migrations, seedFiles...) {
		if err := execFile(ctx, conn, file); err != nil {
			return err
		}
		logger.Info("Applied", slog.String("file", file))
	}
	return nil
}

func execFile(ctx context.Context, conn *sqlx.DB, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	if _, err := conn.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("execute %s: %w", file, err)
	}
	return nil
}
