package stats

import (
	"github.com/shopspring/decimal"

	"github.com/victornm/happymeter/internal/domain"
)

// Aggregate computes per-question statistics over votes. Only valid notes count:
// a vote without the question, or with a null or non-numeric note, is left out
// of both the sum and the total. An empty input yields zero totals and averages.
func Aggregate(votes []domain.Vote, questions []string) domain.KioskStats {
	acc := newAccumulator(questions)
	for _, v := range votes {
		acc.add(v)
	}

	return acc.result()
}

type tally struct {
	sum   int64
	total int
}

type accumulator struct {
	questions []string
	tallies   map[string]*tally
}

func newAccumulator(questions []string) *accumulator {
	acc := &accumulator{
		questions: questions,
		tallies:   make(map[string]*tally, len(questions)),
	}
	for _, q := range questions {
		acc.tallies[q] = &tally{}
	}

	return acc
}

func (acc *accumulator) add(v domain.Vote) {
	for q, t := range acc.tallies {
		r, ok := v.Ratings[q]
		if !ok || !r.Note.Valid {
			continue
		}

		t.sum += int64(r.Note.Value)
		t.total++
	}
}

func (acc *accumulator) result() domain.KioskStats {
	out := make(domain.KioskStats, len(acc.questions))
	for _, q := range acc.questions {
		t := acc.tallies[q]
		out[q] = domain.QuestionStat{
			Total:   t.total,
			Average: Average(t.sum, t.total),
		}
	}

	return out
}

// Average returns sum/total rounded to two decimals, half away from zero.
// It is 0 when total is 0.
func Average(sum int64, total int) float64 {
	if total == 0 {
		return 0
	}

	return decimal.NewFromInt(sum).
		Div(decimal.NewFromInt(int64(total))).
		Round(2).
		InexactFloat64()
}
