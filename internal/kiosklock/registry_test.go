package kiosklock_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
	"github.com/victornm/happymeter/internal/event"
	"github.com/victornm/happymeter/internal/kiosklock"
	"github.com/victornm/happymeter/internal/storage"
)

var backends = map[string]func(t *testing.T) storage.KeyValue{
	"file": func(t *testing.T) storage.KeyValue {
		return storage.NewFileKeyValue(afero.NewMemMapFs(), "data/locked_kiosks.json")
	},
	"redis": func(t *testing.T) storage.KeyValue {
		return storage.NewRedisKeyValue(makeRedis(t), "test:locks")
	},
}

func TestRegistry(t *testing.T) {
	tests := map[string]struct {
		act    func(t *testing.T, r *kiosklock.Registry)
		assert func(t *testing.T, table map[string]string)
	}{
		"acquire twice by the same user should be idempotent": {
			act: func(t *testing.T, r *kiosklock.Registry) {
				require.NoError(t, r.Acquire(context.Background(), "gare", "op1"))
				require.NoError(t, r.Acquire(context.Background(), "gare", "op1"))
			},
			assert: func(t *testing.T, table map[string]string) {
				assert.Equal(t, map[string]string{"gare": "op1"}, table)
			},
		},

		"acquire by another user should fail and keep the holder": {
			act: func(t *testing.T, r *kiosklock.Registry) {
				require.NoError(t, r.Acquire(context.Background(), "gare", "op1"))

				err := r.Acquire(context.Background(), "gare", "op2")
				assert.True(t, errors.Is(err, errors.CodeAlreadyExists), "got %v", err)

				holder, ok, err := r.HolderOf(context.Background(), "gare")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "op1", holder)
			},
			assert: func(t *testing.T, table map[string]string) {
				assert.Equal(t, map[string]string{"gare": "op1"}, table)
			},
		},

		"release by a non holder should be a no-op": {
			act: func(t *testing.T, r *kiosklock.Registry) {
				require.NoError(t, r.Acquire(context.Background(), "gare", "op1"))
				require.NoError(t, r.Release(context.Background(), "gare", "op2"))
				require.NoError(t, r.Release(context.Background(), "nord", "op1"))
			},
			assert: func(t *testing.T, table map[string]string) {
				assert.Equal(t, map[string]string{"gare": "op1"}, table)
			},
		},

		"release by the holder should remove the entry": {
			act: func(t *testing.T, r *kiosklock.Registry) {
				require.NoError(t, r.Acquire(context.Background(), "gare", "op1"))
				require.NoError(t, r.Acquire(context.Background(), "nord", "op2"))
				require.NoError(t, r.Release(context.Background(), "gare", "op1"))

				_, ok, err := r.HolderOf(context.Background(), "gare")
				require.NoError(t, err)
				assert.False(t, ok)
			},
			assert: func(t *testing.T, table map[string]string) {
				assert.Equal(t, map[string]string{"nord": "op2"}, table)
			},
		},

		"release all should free every kiosk of the user only": {
			act: func(t *testing.T, r *kiosklock.Registry) {
				ctx := context.Background()
				require.NoError(t, r.Acquire(ctx, "gare", "op1"))
				require.NoError(t, r.Acquire(ctx, "nord", "op1"))
				require.NoError(t, r.Acquire(ctx, "sud", "op2"))

				released, err := r.ReleaseAll(ctx, "op1")
				require.NoError(t, err)
				assert.Equal(t, []string{"gare", "nord"}, released)

				for _, k := range released {
					_, ok, err := r.HolderOf(ctx, k)
					require.NoError(t, err)
					assert.False(t, ok, "kiosk %s should be free", k)
				}
			},
			assert: func(t *testing.T, table map[string]string) {
				assert.Equal(t, map[string]string{"sud": "op2"}, table)
			},
		},

		"release all without claims should return nothing": {
			act: func(t *testing.T, r *kiosklock.Registry) {
				released, err := r.ReleaseAll(context.Background(), "op1")
				require.NoError(t, err)
				assert.Empty(t, released)
			},
			assert: func(t *testing.T, table map[string]string) {
				assert.Empty(t, table)
			},
		},

		"holders should list free kiosks with an empty holder": {
			act: func(t *testing.T, r *kiosklock.Registry) {
				require.NoError(t, r.Acquire(context.Background(), "nord", "op2"))

				entries, err := r.Holders(context.Background(), []string{"gare", "nord"})
				require.NoError(t, err)
				assert.Equal(t, []domain.LockEntry{
					{Kiosk: "gare"},
					{Kiosk: "nord", Holder: "op2"},
				}, entries)
			},
			assert: func(t *testing.T, table map[string]string) {
				assert.Len(t, table, 1)
			},
		},
	}

	for backend, newTable := range backends {
		for name, tt := range tests {
			newTable, tt := newTable, tt
			t.Run(backend+"/"+name, func(t *testing.T) {
				t.Parallel()

				table := newTable(t)
				r := kiosklock.NewRegistry(kiosklock.Config{Table: table})

				tt.act(t, r)

				m, err := table.Load(context.Background())
				require.NoError(t, err)
				tt.assert(t, m)
			})
		}
	}
}

func TestRegistry_ConcurrentAcquire(t *testing.T) {
	for backend, newTable := range backends {
		newTable := newTable
		t.Run(backend, func(t *testing.T) {
			t.Parallel()

			r := kiosklock.NewRegistry(kiosklock.Config{Table: newTable(t)})

			const contenders = 16
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins []string
			)
			for i := 0; i < contenders; i++ {
				username := fmt.Sprintf("op%d", i)
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := r.Acquire(context.Background(), "gare", username)
					if err == nil {
						mu.Lock()
						wins = append(wins, username)
						mu.Unlock()
						return
					}
					assert.True(t, errors.Is(err, errors.CodeAlreadyExists), "got %v", err)
				}()
			}
			wg.Wait()

			require.Len(t, wins, 1, "exactly one operator should win the kiosk")

			holder, ok, err := r.HolderOf(context.Background(), "gare")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, wins[0], holder)
		})
	}
}

func TestRegistry_Events(t *testing.T) {
	eb := event.NewBus()

	var (
		mu       sync.Mutex
		received []event.Event
	)
	record := func(ctx context.Context, e event.Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	}
	eb.Subscribe(domain.EventNameKioskClaimed, record)
	eb.Subscribe(domain.EventNameKioskReleased, record)

	r := kiosklock.NewRegistry(kiosklock.Config{
		Table:    storage.NewFileKeyValue(afero.NewMemMapFs(), "data/locked_kiosks.json"),
		EventBus: eb,
	})

	ctx := context.Background()
	require.NoError(t, r.Acquire(ctx, "gare", "op1"))
	require.NoError(t, r.Acquire(ctx, "gare", "op1"))
	_ = r.Acquire(ctx, "gare", "op2")
	_, err := r.ReleaseAll(ctx, "op1")
	require.NoError(t, err)
	eb.Stop()

	assert.ElementsMatch(t, []event.Event{
		domain.EventKioskClaimed{Lock: domain.LockEntry{Kiosk: "gare", Holder: "op1"}},
		domain.EventKioskReleased{Lock: domain.LockEntry{Kiosk: "gare", Holder: "op1"}},
	}, received)
}

func makeRedis(t *testing.T) redis.UniversalClient {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	t.Cleanup(func() { rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return rc
}
