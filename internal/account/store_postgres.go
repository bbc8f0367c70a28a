package account

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectAccount = `SELECT id, username, password_hash, assigned_kiosks, is_admin FROM accounts`

func (s *PostgresStore) Get(ctx context.Context, username string) (domain.Account, error) {
	rows, err := s.db.Query(ctx, selectAccount+` WHERE username = $1;`, username)
	if err != nil {
		return domain.Account{}, fmt.Errorf("account: query: %w", err)
	}

	a, err := pgx.CollectExactlyOneRow(rows, scanAccount)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, errors.New(errors.CodeNotFound, errors.WithMessagef("account not found: %s", username))
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("account: scan: %w", err)
	}

	return a, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.Query(ctx, selectAccount+` ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("account: query: %w", err)
	}

	return pgx.CollectRows(rows, scanAccount)
}

func (s *PostgresStore) Insert(ctx context.Context, a domain.Account) (domain.Account, error) {
	const stmt = `
INSERT INTO accounts (username, password_hash, assigned_kiosks, is_admin)
VALUES ($1, $2, $3, $4)
RETURNING id;`

	err := s.db.QueryRow(ctx, stmt, a.Username, a.PasswordHash, a.AssignedKiosks, a.IsAdmin).Scan(&a.ID)

	var pgErr *pgconn.PgError
	const codeUniqueViolation = "23505"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return domain.Account{}, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("username already taken: %s", a.Username),
			errors.WithCause(err))
	}

	if err != nil {
		return domain.Account{}, fmt.Errorf("account: insert: %w", err)
	}

	return a, nil
}

func scanAccount(r pgx.CollectableRow) (domain.Account, error) {
	var a domain.Account
	if err := r.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.AssignedKiosks, &a.IsAdmin); err != nil {
		return domain.Account{}, err
	}

	return a, nil
}
