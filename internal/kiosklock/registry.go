package kiosklock

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
	"github.com/victornm/happymeter/internal/event"
	"github.com/victornm/happymeter/internal/storage"
)

type Config struct {
	// Table maps a kiosk name to the username holding it.
	Table    storage.KeyValue
	EventBus *event.Bus
}

// Registry grants operators exclusive claims on kiosks.
// A kiosk is held by at most one username at a time.
type Registry struct {
	table storage.KeyValue
	eb    *event.Bus
}

func NewRegistry(c Config) *Registry {
	return &Registry{
		table: c.Table,
		eb:    c.EventBus,
	}
}

// Acquire claims kiosk for username. Claiming a kiosk already held by the
// same username is a no-op, claiming one held by somebody else fails with
// CodeAlreadyExists.
func (r *Registry) Acquire(ctx context.Context, kiosk, username string) error {
	var claimed bool
	err := r.table.Update(ctx, func(m map[string]string) error {
		claimed = false

		holder, ok := m[kiosk]
		switch {
		case ok && holder == username:
			return nil
		case ok:
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("kiosk %s is already locked by %s", kiosk, holder))
		}

		m[kiosk] = username
		claimed = true
		return nil
	})
	if err != nil {
		return err
	}

	if claimed {
		slog.InfoContext(ctx, "kiosklock: kiosk claimed", "kiosk", kiosk, "username", username)
		r.publish(ctx, domain.EventKioskClaimed{Lock: domain.LockEntry{Kiosk: kiosk, Holder: username}})
	}

	return nil
}

// Release drops the claim on kiosk if, and only if, username holds it.
func (r *Registry) Release(ctx context.Context, kiosk, username string) error {
	var released bool
	err := r.table.Update(ctx, func(m map[string]string) error {
		released = false

		if holder, ok := m[kiosk]; ok && holder == username {
			delete(m, kiosk)
			released = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if released {
		r.publish(ctx, domain.EventKioskReleased{Lock: domain.LockEntry{Kiosk: kiosk, Holder: username}})
	}

	return nil
}

// ReleaseAll drops every claim held by username and returns the released
// kiosks in name order.
func (r *Registry) ReleaseAll(ctx context.Context, username string) ([]string, error) {
	var released []string
	err := r.table.Update(ctx, func(m map[string]string) error {
		released = released[:0]

		for kiosk, holder := range m {
			if holder == username {
				released = append(released, kiosk)
			}
		}
		for _, kiosk := range released {
			delete(m, kiosk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(released)
	for _, kiosk := range released {
		r.publish(ctx, domain.EventKioskReleased{Lock: domain.LockEntry{Kiosk: kiosk, Holder: username}})
	}

	return released, nil
}

// HolderOf returns the username holding kiosk. ok is false when the kiosk is free.
func (r *Registry) HolderOf(ctx context.Context, kiosk string) (holder string, ok bool, err error) {
	m, err := r.table.Load(ctx)
	if err != nil {
		return "", false, fmt.Errorf("kiosklock: load: %w", err)
	}

	holder, ok = m[kiosk]
	return holder, ok, nil
}

// Holders returns the current claims on the given kiosks, in the given order.
// Free kiosks are reported with an empty holder.
func (r *Registry) Holders(ctx context.Context, kiosks []string) ([]domain.LockEntry, error) {
	m, err := r.table.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("kiosklock: load: %w", err)
	}

	entries := make([]domain.LockEntry, 0, len(kiosks))
	for _, k := range kiosks {
		entries = append(entries, domain.LockEntry{Kiosk: k, Holder: m[k]})
	}

	return entries, nil
}

func (r *Registry) publish(ctx context.Context, e event.Event) {
	if r.eb == nil {
		return
	}

	r.eb.Publish(ctx, e)
}
