package account

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
)

// Store persists accounts. Get returns a CodeNotFound error for unknown usernames,
// Insert assigns the next ID and returns CodeAlreadyExists for a taken username.
type Store interface {
	Get(ctx context.Context, username string) (domain.Account, error)
	List(ctx context.Context) ([]domain.Account, error)
	Insert(ctx context.Context, a domain.Account) (domain.Account, error)
}

type Config struct {
	Store      Store
	BcryptCost int
}

type Service struct {
	store Store
	cost  int

	// dummyHash is compared against when the username is unknown so that both
	// failure paths cost one bcrypt comparison.
	dummyHash []byte
	dummyErr  error
}

func NewService(c Config) *Service {
	cost := c.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("happymeter"), cost)
	if err != nil {
		slog.Error("account: generate dummy hash failed", "cost", cost, "error", err)
	}

	return &Service{
		store:     c.Store,
		cost:      cost,
		dummyHash: dummy,
		dummyErr:  err,
	}
}

type AuthenticateRequest struct {
	Username string
	Password string
}

// Authenticate checks credentials. Every failure is reported with the same
// unauthenticated error.
func (s *Service) Authenticate(ctx context.Context, req AuthenticateRequest) (*domain.Account, error) {
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)

	if s.dummyErr != nil {
		return nil, fmt.Errorf("account: dummy hash: %w", s.dummyErr)
	}

	a, err := s.store.Get(ctx, username)
	if errors.Is(err, errors.CodeNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, errors.Auth()
	}
	if err != nil {
		return nil, fmt.Errorf("account: get %q: %w", username, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return nil, errors.Auth()
	}

	return &a, nil
}

// Get returns the current state of an account.
func (s *Service) Get(ctx context.Context, username string) (*domain.Account, error) {
	a, err := s.store.Get(ctx, username)
	if err != nil {
		return nil, err
	}

	return &a, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Account, error) {
	return s.store.List(ctx)
}

type CreateRequest struct {
	Username string
	Password string
	IsAdmin  bool
	Kiosks   []string
}

// Create registers a new account with a hashed password. The username and the
// password are trimmed like Authenticate trims them.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Account, error) {
	a := domain.Account{
		Username:       strings.TrimSpace(req.Username),
		AssignedKiosks: normalizeKiosks(req.Kiosks),
		IsAdmin:        req.IsAdmin,
	}

	password := strings.TrimSpace(req.Password)
	if password == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("password is required"))
	}

	if err := Validate(a); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("account: hash password: %w", err)
	}
	a.PasswordHash = string(hash)

	created, err := s.store.Insert(ctx, a)
	if err != nil {
		return nil, err
	}

	return &created, nil
}

// Validate enforces the account invariants: a username, and exactly one kiosk
// for an operator.
func Validate(a domain.Account) error {
	if a.Username == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("username is required"))
	}

	if !a.IsAdmin && len(a.AssignedKiosks) != 1 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("operator %q must be assigned exactly one kiosk, got %d", a.Username, len(a.AssignedKiosks)))
	}

	return nil
}

func normalizeKiosks(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}

	return out
}
