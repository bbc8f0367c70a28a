package account

import (
	"context"
	"slices"

	"github.com/spf13/afero"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
	"github.com/victornm/happymeter/internal/storage"
)

// FileStore keeps every account in a single JSON array.
type FileStore struct {
	f *storage.JSONFile[[]domain.Account]
}

func NewFileStore(fsys afero.Fs, path string) *FileStore {
	return &FileStore{f: storage.NewJSONFile[[]domain.Account](fsys, path)}
}

func (s *FileStore) Get(ctx context.Context, username string) (domain.Account, error) {
	accounts, err := s.f.Read(ctx)
	if err != nil {
		return domain.Account{}, err
	}

	i := slices.IndexFunc(accounts, func(a domain.Account) bool { return a.Username == username })
	if i < 0 {
		return domain.Account{}, errors.New(errors.CodeNotFound, errors.WithMessagef("account not found: %s", username))
	}

	return accounts[i], nil
}

func (s *FileStore) List(ctx context.Context) ([]domain.Account, error) {
	return s.f.Read(ctx)
}

func (s *FileStore) Insert(ctx context.Context, a domain.Account) (domain.Account, error) {
	err := s.f.Update(ctx, func(accounts *[]domain.Account) error {
		var last int64
		for _, existing := range *accounts {
			if existing.Username == a.Username {
				return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("username already taken: %s", a.Username))
			}
			last = max(last, existing.ID)
		}

		a.ID = last + 1
		*accounts = append(*accounts, a)
		return nil
	})
	if err != nil {
		return domain.Account{}, err
	}

	return a, nil
}
