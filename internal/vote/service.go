package vote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
	"github.com/victornm/happymeter/internal/event"
)

// Store is an append-only vote log.
type Store interface {
	Append(ctx context.Context, v domain.Vote) error
	// Scan yields the votes of kiosk in append order. Every call starts a new scan.
	Scan(ctx context.Context, kiosk string) iter.Seq2[domain.Vote, error]
}

type Config struct {
	Store    Store
	EventBus *event.Bus
	Now      func() time.Time
}

type Service struct {
	store Store
	eb    *event.Bus
	now   func() time.Time
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		store: c.Store,
		eb:    c.EventBus,
		now:   now,
	}
}

type SubmitRequest struct {
	Username string
	Kiosk    string
	// Ratings is the raw ratings payload. It must be a JSON object keyed by question.
	Ratings json.RawMessage
	Comment *string
}

// Submit validates and appends a vote. The timestamp is always assigned here.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Vote, error) {
	ratings, err := ParseRatings(req.Ratings)
	if err != nil {
		return nil, err
	}

	if req.Kiosk == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("kiosk is required"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("vote: generate ID: %w", err)
	}

	v := domain.Vote{
		ID:        id.String(),
		Username:  req.Username,
		Kiosk:     req.Kiosk,
		Timestamp: s.now().UTC(),
		Comment:   normalizeComment(req.Comment),
		Ratings:   ratings,
	}

	if err := s.store.Append(ctx, v); err != nil {
		return nil, fmt.Errorf("vote: append: %w", err)
	}

	slog.InfoContext(ctx, "vote: vote recorded", "kiosk", v.Kiosk, "username", v.Username, "id", v.ID)

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventVoteSubmitted{Vote: v})
	}

	return &v, nil
}

// QueryByKiosk returns a lazy, restartable sequence of the votes cast on kiosk.
func (s *Service) QueryByKiosk(ctx context.Context, kiosk string) iter.Seq2[domain.Vote, error] {
	return s.store.Scan(ctx, kiosk)
}

// ParseRatings decodes a ratings payload, which must be a JSON object. An entry
// that is not an object, and a missing or non-integral note, is kept but not valid.
func ParseRatings(raw json.RawMessage) (map[string]domain.Rating, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, invalidVote("ratings must be an object")
	}

	var ratings map[string]domain.Rating
	if err := json.Unmarshal(raw, &ratings); err != nil {
		return nil, invalidVote("ratings are malformed", errors.WithCause(err))
	}

	return ratings, nil
}

func invalidVote(msg string, opts ...errors.Option) *errors.Error {
	opts = append([]errors.Option{errors.WithMessagef("invalid vote: %s", msg)}, opts...)
	return errors.New(errors.CodeInvalidArgument, opts...)
}

// normalizeComment stores an empty comment as absent.
func normalizeComment(c *string) *string {
	if c == nil || *c == "" {
		return nil
	}

	return c
}
