package stats

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
	"github.com/victornm/happymeter/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	maxConcurrent   = 8
)

// DefaultQuestions are the survey questions shown on every kiosk.
var DefaultQuestions = []string{"accueil", "horaires", "echanges", "informations"}

type VoteQuerier interface {
	QueryByKiosk(ctx context.Context, kiosk string) iter.Seq2[domain.Vote, error]
}

type Config struct {
	EventBus  *event.Bus
	Votes     VoteQuerier
	Questions []string

	// Redis throttles stats.updated publications across instances. Without it
	// every accepted vote triggers a publication.
	Redis  redis.UniversalClient
	Prefix string
}

type Service struct {
	eb        *event.Bus
	votes     VoteQuerier
	questions []string
	redis     redis.UniversalClient
	prefix    string
}

func NewService(c Config) *Service {
	questions := c.Questions
	if len(questions) == 0 {
		questions = DefaultQuestions
	}

	s := &Service{
		eb:        c.EventBus,
		votes:     c.Votes,
		questions: questions,
		redis:     c.Redis,
		prefix:    c.Prefix,
	}

	if s.eb != nil {
		s.eb.Subscribe(domain.EventNameVoteSubmitted, func(ctx context.Context, e event.Event) error {
			return s.schedulePublishStats(ctx, e.(domain.EventVoteSubmitted).Vote)
		})
	}

	return s
}

// Questions returns the question keys statistics are computed for.
func (s *Service) Questions() []string {
	return slices.Clone(s.questions)
}

// KioskStats aggregates the votes of a single kiosk.
func (s *Service) KioskStats(ctx context.Context, kiosk string) (domain.KioskStats, error) {
	acc := newAccumulator(s.questions)
	for v, err := range s.votes.QueryByKiosk(ctx, kiosk) {
		if err != nil {
			return nil, fmt.Errorf("stats: query kiosk %s: %w", kiosk, err)
		}
		acc.add(v)
	}

	return acc.result(), nil
}

type GetStatsRequest struct {
	Account domain.Account
}

// GetStats returns statistics keyed by kiosk. An operator sees its own kiosk,
// an admin sees each of its assigned kiosks, aggregated independently.
func (s *Service) GetStats(ctx context.Context, req GetStatsRequest) (map[string]domain.KioskStats, error) {
	kiosks := req.Account.AssignedKiosks
	if !req.Account.IsAdmin && len(kiosks) > 1 {
		kiosks = kiosks[:1]
	}

	var (
		mu  sync.Mutex
		out = make(map[string]domain.KioskStats, len(kiosks))
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrent)

	for _, kiosk := range kiosks {
		eg.Go(func() error {
			ks, err := s.KioskStats(ctx, kiosk)
			if err != nil {
				return err
			}

			mu.Lock()
			out[kiosk] = ks
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Service) schedulePublishStats(ctx context.Context, v domain.Vote) error {
	if s.redis != nil {
		// Only the first vote of an interval publishes, whichever instance received it.
		ok, err := s.redis.SetNX(ctx, s.getStatsTimeKey(v.Kiosk), v.Timestamp.UnixMilli(), publishInterval).Result()
		if err != nil {
			return fmt.Errorf("setnx: %w", err)
		}

		if !ok {
			return nil
		}
	}

	return s.publishStats(ctx, v.Kiosk)
}

func (s *Service) publishStats(ctx context.Context, kiosk string) error {
	ks, err := s.KioskStats(ctx, kiosk)
	if err != nil {
		return fmt.Errorf("get stats failed: kiosk=%s: %w", kiosk, err)
	}

	s.eb.Publish(ctx, domain.EventStatsUpdated{
		Kiosk: kiosk,
		Stats: ks,
	})

	return nil
}

func (s *Service) getStatsTimeKey(kiosk string) string {
	return fmt.Sprintf("%s:%s:stats_time", s.prefix, kiosk)
}

// ExportRow is one vote flattened for export.
type ExportRow struct {
	Kiosk    string                  `json:"kiosk"`
	Username string                  `json:"username"`
	Date     string                  `json:"date"`
	Time     string                  `json:"time"`
	Ratings  map[string]ExportRating `json:"ratings"`
	Comment  string                  `json:"comment"`
}

type ExportRating struct {
	Note *int   `json:"note"`
	Mood string `json:"mood"`
}

type ExportRequest struct {
	Account domain.Account
}

// Export returns the raw votes of the account's kiosks, oldest first.
// It fails with CodeNotFound when there is nothing to export.
func (s *Service) Export(ctx context.Context, req ExportRequest) ([]ExportRow, error) {
	var votes []domain.Vote
	for _, kiosk := range req.Account.AssignedKiosks {
		for v, err := range s.votes.QueryByKiosk(ctx, kiosk) {
			if err != nil {
				return nil, fmt.Errorf("stats: query kiosk %s: %w", kiosk, err)
			}
			votes = append(votes, v)
		}
	}

	if len(votes) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no votes to export"))
	}

	slices.SortStableFunc(votes, func(a, b domain.Vote) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	rows := make([]ExportRow, 0, len(votes))
	for _, v := range votes {
		row := ExportRow{
			Kiosk:    v.Kiosk,
			Username: v.Username,
			Date:     v.Timestamp.Format(time.DateOnly),
			Time:     v.Timestamp.Format(time.TimeOnly),
			Ratings:  make(map[string]ExportRating, len(s.questions)),
		}
		if v.Comment != nil {
			row.Comment = *v.Comment
		}

		for _, q := range s.questions {
			var er ExportRating
			if n := v.Ratings[q].Note; n.Valid {
				er.Note = &n.Value
			}
			er.Mood = Mood(v.Ratings[q].Note)
			row.Ratings[q] = er
		}

		rows = append(rows, row)
	}

	return rows, nil
}

const (
	MoodHappy   = "content"
	MoodNeutral = "neutre"
	MoodUnhappy = "mécontent"
	MoodUnknown = "inconnu"
)

// Mood maps the three kiosk buttons (5, 3, 1) to their label.
func Mood(n domain.Note) string {
	if !n.Valid {
		return MoodUnknown
	}

	switch n.Value {
	case 5:
		return MoodHappy
	case 3:
		return MoodNeutral
	case 1:
		return MoodUnhappy
	default:
		return MoodUnknown
	}
}
