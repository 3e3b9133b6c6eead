package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresReader implements Reader against a document store reached over
// the Postgres wire protocol.
type PostgresReader struct {
	pool *pgxpool.Pool
}

// NewPostgresReader opens a connection pool against connString.
func NewPostgresReader(ctx context.Context, connString string) (*PostgresReader, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("registry: parse document-store uri: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("registry: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("registry: ping document store: %w", err)
	}
	return &PostgresReader{pool: pool}, nil
}

func (r *PostgresReader) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM bots`)
	if err != nil {
		return nil, fmt.Errorf("registry: list ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("registry: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresReader) Get(ctx context.Context, id string) (Bot, bool, error) {
	var bot Bot
	bot.ID = id
	err := r.pool.QueryRow(ctx, `SELECT display_name, rating FROM bots WHERE id = $1`, id).
		Scan(&bot.DisplayName, &bot.Rating)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bot{}, false, nil
	}
	if err != nil {
		return Bot{}, false, fmt.Errorf("registry: get bot %s: %w", id, err)
	}
	return bot, true, nil
}

func (r *PostgresReader) Close() {
	r.pool.Close()
}
