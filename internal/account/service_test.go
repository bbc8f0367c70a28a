package account_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/victornm/happymeter/internal/account"
	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
)

func TestService_Authenticate(t *testing.T) {
	type outputs struct {
		account *domain.Account
		err     error
	}

	tests := map[string]struct {
		req    account.AuthenticateRequest
		assert func(t *testing.T, out outputs)
	}{
		"correct credentials should return the account": {
			req: account.AuthenticateRequest{Username: "op1", Password: "secret"},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, "op1", out.account.Username)
				assert.Equal(t, []string{"gare"}, out.account.AssignedKiosks)
				assert.False(t, out.account.IsAdmin)
			},
		},

		"surrounding whitespace should be ignored": {
			req: account.AuthenticateRequest{Username: "  op1 ", Password: "secret\n"},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, "op1", out.account.Username)
			},
		},

		"wrong password should be an auth error": {
			req: account.AuthenticateRequest{Username: "op1", Password: "nope"},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, errors.Auth(), out.err)
			},
		},

		"unknown user should be the same auth error": {
			req: account.AuthenticateRequest{Username: "ghost", Password: "secret"},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, errors.Auth(), out.err)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := makeService(t)
			_, err := s.Create(context.Background(), account.CreateRequest{
				Username: "op1",
				Password: "secret",
				Kiosks:   []string{"gare"},
			})
			require.NoError(t, err)

			a, err := s.Authenticate(context.Background(), tt.req)
			tt.assert(t, outputs{account: a, err: err})
		})
	}
}

func TestService_Create(t *testing.T) {
	tests := map[string]struct {
		reqs   []account.CreateRequest
		assert func(t *testing.T, created []*domain.Account, err error)
	}{
		"ids should be assigned monotonically": {
			reqs: []account.CreateRequest{
				{Username: "op1", Password: "p", Kiosks: []string{"gare"}},
				{Username: "admin", Password: "p", IsAdmin: true, Kiosks: []string{"gare", "nord"}},
			},
			assert: func(t *testing.T, created []*domain.Account, err error) {
				require.NoError(t, err)
				require.Len(t, created, 2)
				assert.Equal(t, int64(1), created[0].ID)
				assert.Equal(t, int64(2), created[1].ID)
				assert.Equal(t, []string{"gare", "nord"}, created[1].AssignedKiosks)
			},
		},

		"password should be stored hashed": {
			reqs: []account.CreateRequest{
				{Username: "op1", Password: "secret", Kiosks: []string{"gare"}},
			},
			assert: func(t *testing.T, created []*domain.Account, err error) {
				require.NoError(t, err)
				assert.NotEqual(t, "secret", created[0].PasswordHash)
				assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(created[0].PasswordHash), []byte("secret")))
			},
		},

		"admin may have no kiosk": {
			reqs: []account.CreateRequest{
				{Username: "root", Password: "p", IsAdmin: true},
			},
			assert: func(t *testing.T, created []*domain.Account, err error) {
				require.NoError(t, err)
				assert.Empty(t, created[0].AssignedKiosks)
			},
		},

		"duplicate username should be rejected": {
			reqs: []account.CreateRequest{
				{Username: "op1", Password: "p", Kiosks: []string{"gare"}},
				{Username: "op1", Password: "q", Kiosks: []string{"nord"}},
			},
			assert: func(t *testing.T, created []*domain.Account, err error) {
				assert.True(t, errors.Is(err, errors.CodeAlreadyExists), "got %v", err)
				assert.Len(t, created, 1)
			},
		},

		"operator without kiosk should be rejected": {
			reqs: []account.CreateRequest{
				{Username: "op1", Password: "p"},
			},
			assert: func(t *testing.T, created []*domain.Account, err error) {
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument), "got %v", err)
			},
		},

		"operator with two kiosks should be rejected": {
			reqs: []account.CreateRequest{
				{Username: "op1", Password: "p", Kiosks: []string{"gare", "nord"}},
			},
			assert: func(t *testing.T, created []*domain.Account, err error) {
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument), "got %v", err)
			},
		},

		"empty password should be rejected": {
			reqs: []account.CreateRequest{
				{Username: "op1", Kiosks: []string{"gare"}},
			},
			assert: func(t *testing.T, created []*domain.Account, err error) {
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument), "got %v", err)
			},
		},

		"blank password should be rejected": {
			reqs: []account.CreateRequest{
				{Username: "op1", Password: "  ", Kiosks: []string{"gare"}},
			},
			assert: func(t *testing.T, created []*domain.Account, err error) {
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument), "got %v", err)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := makeService(t)

			var (
				created []*domain.Account
				err     error
			)
			for _, req := range tt.reqs {
				var a *domain.Account
				a, err = s.Create(context.Background(), req)
				if err != nil {
					break
				}
				created = append(created, a)
			}

			tt.assert(t, created, err)
		})
	}
}

func TestFileStore_Persistence(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := account.NewService(account.Config{
		Store:      account.NewFileStore(fsys, "data/users.json"),
		BcryptCost: bcrypt.MinCost,
	})

	_, err := s.Create(context.Background(), account.CreateRequest{Username: "op1", Password: "p", Kiosks: []string{"gare"}})
	require.NoError(t, err)

	reopened := account.NewFileStore(fsys, "data/users.json")
	got, err := reopened.Get(context.Background(), "op1")
	require.NoError(t, err)
	assert.Equal(t, "op1", got.Username)

	_, err = reopened.Get(context.Background(), "op2")
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	all, err := reopened.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestService_Create_PaddedPassword(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, account.CreateRequest{Username: "op1", Password: " secret\t", Kiosks: []string{"gare"}})
	require.NoError(t, err)

	for _, password := range []string{"secret", " secret\t"} {
		a, err := s.Authenticate(ctx, account.AuthenticateRequest{Username: "op1", Password: password})
		require.NoError(t, err, "password %q", password)
		assert.Equal(t, "op1", a.Username)
	}
}

func TestService_Authenticate_InvalidCost(t *testing.T) {
	s := account.NewService(account.Config{
		Store:      account.NewFileStore(afero.NewMemMapFs(), "data/users.json"),
		BcryptCost: bcrypt.MaxCost + 1,
	})

	_, err := s.Authenticate(context.Background(), account.AuthenticateRequest{Username: "ghost", Password: "secret"})
	require.Error(t, err)
	assert.NotEqual(t, errors.Auth(), err, "a broken service should not pass for a wrong password")

	var cost bcrypt.InvalidCostError
	assert.ErrorAs(t, err, &cost)
}

func makeService(t *testing.T) *account.Service {
	t.Helper()

	return account.NewService(account.Config{
		Store:      account.NewFileStore(afero.NewMemMapFs(), "data/users.json"),
		BcryptCost: bcrypt.MinCost,
	})
}
