package vote

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/happymeter/internal/domain"
)

// PostgresStore appends votes to the votes table. Append order is the seq column.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, v domain.Vote) error {
	const stmt = `
INSERT INTO votes (vote_id, username, kiosk, create_time, comment, ratings)
VALUES ($1, $2, $3, $4, $5, $6);`

	ratings, err := json.Marshal(v.Ratings)
	if err != nil {
		return fmt.Errorf("marshal ratings: %w", err)
	}

	if _, err := s.db.Exec(ctx, stmt, v.ID, v.Username, v.Kiosk, v.Timestamp, v.Comment, ratings); err != nil {
		return fmt.Errorf("insert vote: %w", err)
	}

	return nil
}

func (s *PostgresStore) Scan(ctx context.Context, kiosk string) iter.Seq2[domain.Vote, error] {
	const stmt = `
SELECT vote_id, username, kiosk, create_time, comment, ratings
FROM votes
WHERE kiosk = $1
ORDER BY seq;`

	return func(yield func(domain.Vote, error) bool) {
		rows, err := s.db.Query(ctx, stmt, kiosk)
		if err != nil {
			yield(domain.Vote{}, fmt.Errorf("query votes: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				v       domain.Vote
				ratings []byte
			)
			if err := rows.Scan(&v.ID, &v.Username, &v.Kiosk, &v.Timestamp, &v.Comment, &ratings); err != nil {
				yield(domain.Vote{}, fmt.Errorf("scan vote: %w", err))
				return
			}

			if err := json.Unmarshal(ratings, &v.Ratings); err != nil {
				yield(domain.Vote{}, fmt.Errorf("unmarshal ratings of vote %s: %w", v.ID, err))
				return
			}
			v.Timestamp = v.Timestamp.UTC()

			if !yield(v, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(domain.Vote{}, fmt.Errorf("iterate votes: %w", err))
		}
	}
}
