package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/victornm/happymeter/internal/account"
	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/errors"
	"github.com/victornm/happymeter/internal/event"
	"github.com/victornm/happymeter/internal/storage"
)

const defaultTTL = 12 * time.Hour

type Accounts interface {
	Authenticate(ctx context.Context, req account.AuthenticateRequest) (*domain.Account, error)
	Get(ctx context.Context, username string) (*domain.Account, error)
}

type Locks interface {
	Acquire(ctx context.Context, kiosk, username string) error
	ReleaseAll(ctx context.Context, username string) ([]string, error)
	HolderOf(ctx context.Context, kiosk string) (string, bool, error)
}

type Config struct {
	Accounts Accounts
	Locks    Locks
	EventBus *event.Bus

	// Sessions records the current token of every logged in account, keyed by
	// username. Defaults to an in-memory table.
	Sessions storage.KeyValue

	// Secret signs session tokens.
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Service binds logged in operators to their kiosks.
type Service struct {
	accounts Accounts
	locks    Locks
	eb       *event.Bus
	sessions storage.KeyValue

	// mu serializes the session transitions that touch both tables.
	mu sync.Mutex

	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		accounts: c.Accounts,
		locks:    c.Locks,
		eb:       c.EventBus,
		sessions: c.Sessions,
		secret:   c.Secret,
		ttl:      c.TTL,
		now:      c.Now,
	}

	if s.ttl == 0 {
		s.ttl = defaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sessions == nil {
		s.sessions = storage.NewFileKeyValue(afero.NewMemMapFs(), "sessions.json")
	}

	return s
}

// sessionRecord is the value stored per username in the sessions table.
type sessionRecord struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type LoginRequest struct {
	Username string
	Password string
}

type LoginResponse struct {
	Token     string
	ExpiresAt time.Time
	Account   domain.Account
	// BoundKiosks lists the assigned kiosks this login actually holds.
	BoundKiosks []string
}

// Login checks the credentials, clears the claims left by a previous session
// and claims every assigned kiosk that is free. A kiosk held by another
// operator is skipped and never fails the login. Admins claim nothing.
// Expired sessions of every account are ended first.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	a, err := s.accounts.Authenticate(ctx, account.AuthenticateRequest{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if expired, err := s.expireSessions(ctx); err != nil {
		slog.WarnContext(ctx, "session: expire sessions failed", "error", err)
	} else if len(expired) > 0 {
		slog.InfoContext(ctx, "session: expired sessions released", "usernames", expired)
	}

	stale, err := s.locks.ReleaseAll(ctx, a.Username)
	if err != nil {
		return nil, fmt.Errorf("session: release stale claims: %w", err)
	}
	if len(stale) > 0 {
		slog.InfoContext(ctx, "session: released stale claims", "username", a.Username, "kiosks", stale)
	}

	bound := make([]string, 0, len(a.AssignedKiosks))
	if !a.IsAdmin {
		for _, kiosk := range a.AssignedKiosks {
			bound, err = s.claim(ctx, a.Username, kiosk, bound)
			if err != nil {
				return nil, err
			}
		}
	}

	token, id, exp, err := s.issueToken(a.Username)
	if err != nil {
		return nil, err
	}

	err = s.sessions.Update(ctx, func(m map[string]string) error {
		b, err := json.Marshal(sessionRecord{ID: id, ExpiresAt: exp.Unix()})
		if err != nil {
			return err
		}

		m[a.Username] = string(b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: record session: %w", err)
	}

	slog.InfoContext(ctx, "session: logged in", "username", a.Username, "admin", a.IsAdmin, "kiosks", bound)
	s.publish(ctx, domain.EventAccountLoggedIn{
		Username: a.Username,
		IsAdmin:  a.IsAdmin,
		Bound:    bound,
	})

	return &LoginResponse{
		Token:       token,
		ExpiresAt:   exp,
		Account:     *a,
		BoundKiosks: bound,
	}, nil
}

func (s *Service) claim(ctx context.Context, username, kiosk string, bound []string) ([]string, error) {
	err := s.locks.Acquire(ctx, kiosk, username)
	if err == nil {
		return append(bound, kiosk), nil
	}

	if !errors.Is(err, errors.CodeAlreadyExists) {
		return bound, fmt.Errorf("session: claim kiosk %s: %w", kiosk, err)
	}

	holder, _, herr := s.locks.HolderOf(ctx, kiosk)
	if herr != nil {
		slog.WarnContext(ctx, "session: lookup kiosk holder failed", "kiosk", kiosk, "error", herr)
	}

	slog.WarnContext(ctx, "session: kiosk already claimed, skipped",
		"kiosk", kiosk,
		"username", username,
		"holder", holder,
	)
	s.publish(ctx, domain.EventKioskConflict{
		Kiosk:     kiosk,
		Holder:    holder,
		Requester: username,
	})

	return bound, nil
}

type LogoutRequest struct {
	Token string
}

// Logout releases every kiosk held by the account of the token. An expired
// token is accepted but only releases the claims when it is still the current
// session of its account.
func (s *Service) Logout(ctx context.Context, req LogoutRequest) error {
	claims, expired, err := s.parseToken(req.Token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if expired {
		return s.expire(ctx, claims.Subject, claims.ID)
	}

	err = s.sessions.Update(ctx, func(m map[string]string) error {
		delete(m, claims.Subject)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: forget session: %w", err)
	}

	released, err := s.locks.ReleaseAll(ctx, claims.Subject)
	if err != nil {
		return fmt.Errorf("session: release claims: %w", err)
	}

	slog.InfoContext(ctx, "session: logged out", "username", claims.Subject, "kiosks", released)
	return nil
}

// Authenticate resolves a session token to the current state of its account.
// An expired token ends its session and releases the kiosks it held.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.Account, error) {
	claims, expired, err := s.parseToken(token)
	if err != nil {
		return nil, err
	}

	if expired {
		s.mu.Lock()
		err := s.expire(ctx, claims.Subject, claims.ID)
		s.mu.Unlock()
		if err != nil {
			slog.WarnContext(ctx, "session: expire session failed", "username", claims.Subject, "error", err)
		}

		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("session expired"))
	}

	a, err := s.accounts.Get(ctx, claims.Subject)
	if errors.Is(err, errors.CodeNotFound) {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("session is no longer valid"))
	}
	if err != nil {
		return nil, err
	}

	return a, nil
}

// ExpireSessions ends every session past its expiry and releases the kiosks
// they held. It returns the usernames whose session ended.
func (s *Service) ExpireSessions(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.expireSessions(ctx)
}

func (s *Service) expireSessions(ctx context.Context) ([]string, error) {
	now := s.now().Unix()

	var expired []string
	err := s.sessions.Update(ctx, func(m map[string]string) error {
		expired = expired[:0]
		for username, v := range m {
			var rec sessionRecord
			if err := json.Unmarshal([]byte(v), &rec); err != nil || rec.ExpiresAt <= now {
				delete(m, username)
				expired = append(expired, username)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: expire sessions: %w", err)
	}

	slices.Sort(expired)
	for _, username := range expired {
		if _, err := s.locks.ReleaseAll(ctx, username); err != nil {
			return expired, fmt.Errorf("session: release claims of %s: %w", username, err)
		}
	}

	return expired, nil
}

// expire ends the session of username when id is still its current token.
// A token replaced by a newer login leaves the claims of that login alone.
func (s *Service) expire(ctx context.Context, username, id string) error {
	var current bool
	err := s.sessions.Update(ctx, func(m map[string]string) error {
		var rec sessionRecord
		if err := json.Unmarshal([]byte(m[username]), &rec); err != nil || rec.ID != id {
			current = false
			return nil
		}

		current = true
		delete(m, username)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: forget session: %w", err)
	}
	if !current {
		return nil
	}

	released, err := s.locks.ReleaseAll(ctx, username)
	if err != nil {
		return fmt.Errorf("session: release claims: %w", err)
	}

	slog.InfoContext(ctx, "session: session expired", "username", username, "kiosks", released)
	return nil
}

// BoundKiosk returns the kiosk the operator currently holds. It fails with
// CodeFailedPrecondition when the operator holds none of its kiosks.
func (s *Service) BoundKiosk(ctx context.Context, a domain.Account) (string, error) {
	for _, kiosk := range a.AssignedKiosks {
		holder, ok, err := s.locks.HolderOf(ctx, kiosk)
		if err != nil {
			return "", err
		}

		if ok && holder == a.Username {
			return kiosk, nil
		}
	}

	return "", errors.New(errors.CodeFailedPrecondition,
		errors.WithMessagef("%s does not hold any kiosk, log in again", a.Username))
}

func (s *Service) issueToken(username string) (string, string, time.Time, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("session: generate token ID: %w", err)
	}

	now := s.now().UTC()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		ID:        id.String(),
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("session: sign token: %w", err)
	}

	return signed, claims.ID, exp, nil
}

// parseToken verifies the signature of raw. An expired token is reported
// through expired together with its claims, every other failure is an error.
func (s *Service) parseToken(raw string) (claims jwt.RegisteredClaims, expired bool, err error) {
	if raw == "" {
		return claims, false, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("missing session"))
	}

	// Expiry is checked below so that an expired token still yields its
	// verified claims.
	_, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || claims.Subject == "" || claims.ExpiresAt == nil {
		return claims, false, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid session"), errors.WithCause(err))
	}

	if !s.now().Before(claims.ExpiresAt.Time) {
		return claims, true, nil
	}

	return claims, false, nil
}

func (s *Service) publish(ctx context.Context, e event.Event) {
	if s.eb == nil {
		return
	}

	s.eb.Publish(ctx, e)
}
