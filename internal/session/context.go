package session

import (
	"context"

	"github.com/victornm/happymeter/internal/domain"
)

type accountKey struct{}

// WithAccount returns a context carrying the authenticated account of the request.
func WithAccount(ctx context.Context, a domain.Account) context.Context {
	return context.WithValue(ctx, accountKey{}, a)
}

// AccountFrom returns the account stored by WithAccount.
func AccountFrom(ctx context.Context) (domain.Account, bool) {
	a, ok := ctx.Value(accountKey{}).(domain.Account)
	return a, ok
}
