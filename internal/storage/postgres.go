package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink writes mined results to a Postgres table via pgxpool,
// batching inserts with pgx's CopyFrom for throughput.
type PostgresSink struct {
	pool   *pgxpool.Pool
	table  string
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewPostgresSink opens a pgxpool against dsn and ensures the target table
// exists before returning.
func NewPostgresSink(ctx context.Context, dsn, table string, logger *slog.Logger) (*PostgresSink, error) {
	if table == "" {
		table = "mined_results"
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	s := &PostgresSink{
		pool:   pool,
		table:  table,
		logger: logger.With("component", "postgres_sink"),
	}

	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresSink) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		url TEXT NOT NULL,
		query TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		fields JSONB NOT NULL
	)`, s.table)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Store(results []*MinedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows := make([][]any, 0, len(results))
	for _, r := range results {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		rows = append(rows, []any{r.URL, r.Query, r.Timestamp, fields})
	}

	n, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{s.table},
		[]string{"url", "query", "ts", "fields"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres copy: %w", err)
	}

	s.count += int(n)
	s.logger.Debug("results stored in postgres", "count", n, "total", s.count)
	return nil
}

func (s *PostgresSink) Close() error {
	s.logger.Info("postgres sink closing", "total_results", s.count)
	s.pool.Close()
	return nil
}
