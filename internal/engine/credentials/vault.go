package credentials

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"cardsync/internal/platform/models"
)

// AuthError means the installation can no longer be used: it was revoked
// or suspended, or the App credentials themselves are wrong. Callers must
// relink instead of retrying.
type AuthError struct {
	InstallationID int64
	Reason         string
	Err            error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("installation %d: %s: %v", e.InstallationID, e.Reason, e.Err)
	}
	return fmt.Sprintf("installation %d: %s", e.InstallationID, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Exchanger trades App credentials for an installation token.
type Exchanger interface {
	Exchange(ctx context.Context, installationID int64) (Token, error)
}

// Store persists tokens and the invalid flag across restarts.
type Store interface {
	Get(ctx context.Context, installationID int64) (*models.Installation, error)
	SaveToken(ctx context.Context, installationID int64, token string, expiresAt time.Time) error
	MarkInvalid(ctx context.Context, installationID int64) error
	ClearInvalid(ctx context.Context, installationID int64) error
}

type Vault struct {
	exchanger Exchanger
	store     Store
	margin    time.Duration
	timeout   time.Duration
	now       func() time.Time

	mu        sync.Mutex
	cache     map[int64]Token
	invalid   map[int64]bool
	forgotten map[int64]bool
	trial     map[int64]bool
	group     singleflight.Group

	exchanges atomic.Int64
}

type Option func(*Vault)

func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithRefreshTimeout bounds a single token exchange independently of the
// callers waiting on it.
func WithRefreshTimeout(d time.Duration) Option {
	return func(v *Vault) { v.timeout = d }
}

// NewVault builds a vault. store may be nil, in which case tokens live only
// in memory.
func NewVault(exchanger Exchanger, store Store, margin time.Duration, opts ...Option) *Vault {
	v := &Vault{
		exchanger: exchanger,
		store:     store,
		margin:    margin,
		timeout:   30 * time.Second,
		now:       time.Now,
		cache:     make(map[int64]Token),
		invalid:   make(map[int64]bool),
		forgotten: make(map[int64]bool),
		trial:     make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Vault) usable(t Token) bool {
	return t.Value != "" && v.now().Before(t.ExpiresAt.Add(-v.margin))
}

// Token returns a cached token while it is outside the safety margin and
// otherwise refreshes it. Concurrent refreshes for one installation share a
// single exchange.
func (v *Vault) Token(ctx context.Context, installationID int64) (Token, error) {
	v.mu.Lock()
	if v.invalid[installationID] {
		v.mu.Unlock()
		return Token{}, &AuthError{InstallationID: installationID, Reason: "installation marked invalid"}
	}
	if t, ok := v.cache[installationID]; ok && v.usable(t) {
		v.mu.Unlock()
		return t, nil
	}
	v.mu.Unlock()

	ch := v.group.DoChan(strconv.FormatInt(installationID, 10), func() (interface{}, error) {
		// detached so one caller giving up does not fail the others
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
		defer cancel()
		return v.refresh(refreshCtx, installationID)
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (v *Vault) refresh(ctx context.Context, installationID int64) (Token, error) {
	v.mu.Lock()
	if t, ok := v.cache[installationID]; ok && v.usable(t) {
		v.mu.Unlock()
		return t, nil
	}
	trial := v.trial[installationID]
	skipPersisted := v.forgotten[installationID] || trial
	delete(v.forgotten, installationID)
	v.mu.Unlock()

	if v.store != nil {
		inst, err := v.store.Get(ctx, installationID)
		if err != nil {
			log.Warn().Err(err).Int64("installation_id", installationID).Msg("Failed to read persisted installation token")
		} else if inst != nil {
			if inst.Invalid && !trial {
				v.setInvalid(installationID)
				return Token{}, &AuthError{InstallationID: installationID, Reason: "installation marked invalid"}
			}
			if !skipPersisted && inst.AccessToken != "" && inst.ExpiresAt != nil {
				t := Token{Value: inst.AccessToken, ExpiresAt: time.UnixMilli(*inst.ExpiresAt)}
				if v.usable(t) {
					v.put(installationID, t)
					return t, nil
				}
			}
		}
	}

	v.exchanges.Add(1)
	t, err := v.exchanger.Exchange(ctx, installationID)
	if err != nil {
		if IsAuthError(err) {
			log.Warn().Err(err).Int64("installation_id", installationID).Msg("Installation token exchange rejected")
			v.markInvalid(ctx, installationID)
		}
		return Token{}, err
	}

	v.put(installationID, t)
	if v.store != nil {
		if err := v.store.SaveToken(ctx, installationID, t.Value, t.ExpiresAt); err != nil {
			log.Warn().Err(err).Int64("installation_id", installationID).Msg("Failed to persist installation token")
		}
	}

	log.Debug().Int64("installation_id", installationID).Time("expires_at", t.ExpiresAt).Msg("Refreshed installation token")
	return t, nil
}

func (v *Vault) put(installationID int64, t Token) {
	v.mu.Lock()
	v.cache[installationID] = t
	v.mu.Unlock()
}

func (v *Vault) setInvalid(installationID int64) {
	v.mu.Lock()
	v.invalid[installationID] = true
	delete(v.cache, installationID)
	delete(v.trial, installationID)
	v.mu.Unlock()
}

func (v *Vault) markInvalid(ctx context.Context, installationID int64) {
	v.setInvalid(installationID)
	if v.store != nil {
		if err := v.store.MarkInvalid(ctx, installationID); err != nil {
			log.Error().Err(err).Int64("installation_id", installationID).Msg("Failed to persist invalid installation")
		}
	}
}

// Forget drops the cached token after the remote rejected it, so the next
// call exchanges a fresh one.
func (v *Vault) Forget(installationID int64) {
	v.mu.Lock()
	delete(v.cache, installationID)
	v.forgotten[installationID] = true
	v.mu.Unlock()
}

// Invalidate marks the installation unusable until Reset.
func (v *Vault) Invalidate(ctx context.Context, installationID int64) {
	v.markInvalid(ctx, installationID)
}

// Trial lifts the invalid mark in memory only, so a relink can check the
// installation with a fresh token before anything is persisted. restore puts
// the previous in-memory state back; Reset and Invalidate end the trial.
func (v *Vault) Trial(installationID int64) (restore func()) {
	v.mu.Lock()
	wasInvalid := v.invalid[installationID]
	delete(v.invalid, installationID)
	delete(v.cache, installationID)
	v.trial[installationID] = true
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if !v.trial[installationID] {
			return
		}
		delete(v.trial, installationID)
		if wasInvalid {
			v.invalid[installationID] = true
			delete(v.cache, installationID)
		}
	}
}

// Reset clears the invalid mark, typically on relink.
func (v *Vault) Reset(ctx context.Context, installationID int64) error {
	v.mu.Lock()
	delete(v.invalid, installationID)
	// a token fetched during a trial was just proven good
	if !v.trial[installationID] {
		delete(v.cache, installationID)
	}
	delete(v.trial, installationID)
	v.mu.Unlock()

	if v.store != nil {
		return v.store.ClearInvalid(ctx, installationID)
	}
	return nil
}

func (v *Vault) IsInvalid(installationID int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.invalid[installationID]
}

func (v *Vault) Exchanges() int64 {
	return v.exchanges.Load()
}

// TokenSource adapts the vault for oauth2.Transport. The vault does its own
// caching, so the source must not be wrapped in a ReuseTokenSource.
func (v *Vault) TokenSource(installationID int64) oauth2.TokenSource {
	return &vaultSource{vault: v, installationID: installationID}
}

type vaultSource struct {
	vault          *Vault
	installationID int64
}

func (s *vaultSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.vault.timeout)
	defer cancel()

	t, err := s.vault.Token(ctx, s.installationID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: t.Value,
		TokenType:   "Bearer",
		Expiry:      t.ExpiresAt.Add(-s.vault.margin),
	}, nil
}
