// Package app wires an open workspace into the components the CLI and server run on.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"obrasurbanas/internal/config"
	"obrasurbanas/internal/db"
	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/engine"
	"obrasurbanas/internal/indicators"
	"obrasurbanas/internal/ingest"
	"obrasurbanas/internal/metrics"
	"obrasurbanas/internal/migrate"
	"obrasurbanas/internal/repo"
)

// Session is one opened workspace: the database, its config and the components built on them.
type Session struct {
	DB      *sql.DB
	Config  *config.Config
	Repo    repo.Repo
	Engine  engine.Engine
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Open ensures the workspace exists, migrates the database and loads obras.yml
// (falling back to defaults). Stage rows are seeded when the catalog has none.
func Open(ctx context.Context, workspace, actorID string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if applied > 0 {
		logger.Info("database migrated", "applied", applied, "path", db.Path(workspace))
	}
	s := &Session{
		DB:      conn,
		Config:  cfg,
		Repo:    repo.Repo{DB: conn},
		Metrics: metrics.New(),
		Logger:  logger,
	}
	s.Engine = engine.New(s.Repo, logger)
	s.Engine.IDs.Prefix = cfg.CaseFile.Prefix
	s.Engine.Metrics = s.Metrics
	if actorID != "" {
		s.Engine.ActorID = actorID
	}
	if err := s.ensureStages(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) ensureStages(ctx context.Context) error {
	existing, err := s.Repo.ListReferences(ctx, domain.CategoryEtapa)
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	if _, err := s.Engine.Catalog.Seed(ctx, s.Config.Catalog.Stages); err != nil {
		return fmt.Errorf("seed stages: %w", err)
	}
	return nil
}

// Indicators returns an aggregator configured from obras.yml.
func (s *Session) Indicators() indicators.Aggregator {
	return indicators.Aggregator{
		Source:        s.Repo,
		Communes:      s.Config.Indicators.Communes,
		MaxTermMonths: s.Config.Indicators.MaxTermMonths,
		Logger:        s.Logger,
	}
}

// Loader returns an ingestion loader sharing the session's catalog and metrics.
func (s *Session) Loader() ingest.Loader {
	l := ingest.NewLoader(s.Repo, s.Logger)
	l.Metrics = s.Metrics
	l.Cleaner.DefaultLabel = s.Config.Ingest.DefaultLabel
	return l
}

// ReadOptions returns the CSV settings from obras.yml.
func (s *Session) ReadOptions() ingest.ReadOptions {
	delim, _ := utf8.DecodeRuneInString(s.Config.Ingest.Delimiter)
	return ingest.ReadOptions{Delimiter: delim, Encoding: s.Config.Ingest.Encoding}
}

func (s *Session) Close() error {
	return s.DB.Close()
}
