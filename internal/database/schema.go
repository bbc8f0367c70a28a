package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool to the given database and checks it is reachable.
func Connect(ctx context.Context, addr, user, pass, name string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
	if err != nil {
		return nil, err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// CreateSchema creates the accounts and votes tables. Safe to call on every start.
func CreateSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("database: create schema: %w", err)
	}

	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id              BIGSERIAL PRIMARY KEY,
    username        TEXT NOT NULL UNIQUE,
    password_hash   TEXT NOT NULL,
    assigned_kiosks TEXT[] NOT NULL DEFAULT '{}',
    is_admin        BOOLEAN NOT NULL DEFAULT FALSE,
    CHECK (is_admin OR cardinality(assigned_kiosks) = 1)
);

CREATE TABLE IF NOT EXISTS votes (
    seq         BIGSERIAL PRIMARY KEY,
    vote_id     TEXT NOT NULL UNIQUE,
    username    TEXT NOT NULL,
    kiosk       TEXT NOT NULL,
    create_time TIMESTAMPTZ NOT NULL,
    comment     TEXT,
    ratings     JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_votes_kiosk ON votes (kiosk, seq);
`
