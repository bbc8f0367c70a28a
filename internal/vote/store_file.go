package vote

import (
	"context"
	"iter"

	"github.com/spf13/afero"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/storage"
)

// FileStore keeps the vote log as one JSON array, rewritten on every append.
type FileStore struct {
	f *storage.JSONFile[[]domain.Vote]
}

func NewFileStore(fsys afero.Fs, path string) *FileStore {
	return &FileStore{f: storage.NewJSONFile[[]domain.Vote](fsys, path)}
}

func (s *FileStore) Append(ctx context.Context, v domain.Vote) error {
	return s.f.Update(ctx, func(votes *[]domain.Vote) error {
		*votes = append(*votes, v)
		return nil
	})
}

func (s *FileStore) Scan(ctx context.Context, kiosk string) iter.Seq2[domain.Vote, error] {
	return func(yield func(domain.Vote, error) bool) {
		votes, err := s.f.Read(ctx)
		if err != nil {
			yield(domain.Vote{}, err)
			return
		}

		for _, v := range votes {
			if v.Kiosk != kiosk {
				continue
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
