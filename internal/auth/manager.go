package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/storage"
	"github.com/vietddude/courier/internal/metrics"
)

var (
	// ErrNoSession is returned when no session exists and no bootstrap
	// refresh token is configured.
	ErrNoSession = errors.New("no session available")

	// ErrRefreshRejected is returned when the token endpoint refuses the
	// refresh token. The credential is unrecoverable.
	ErrRefreshRejected = errors.New("refresh rejected by token endpoint")
)

// Manager handles the partner session lifecycle.
type Manager interface {
	// EnsureValid guarantees a usable access token, refreshing first when
	// the stored one is expired or missing.
	EnsureValid(ctx context.Context) error

	// Refresh exchanges the refresh token for a new session, regardless of
	// the local expiry. Used when the server rejects a token we still
	// considered valid.
	Refresh(ctx context.Context) error

	// SignOut revokes the session upstream and clears stored state.
	SignOut(ctx context.Context) error

	// AccessToken returns the current access token, empty when none.
	AccessToken() string
}

// Config holds token endpoint configuration.
type Config struct {
	TokenURL     string
	RevokeURL    string
	ClientID     string
	ClientSecret string

	// RefreshToken seeds the session when the store is empty.
	RefreshToken string

	// ExpirySkew refreshes this long before the recorded expiry.
	ExpirySkew time.Duration
}

// DefaultManager implements Manager against an OAuth-style token endpoint.
// One mutex serializes all credential work, so concurrent workers hitting
// an expired token trigger exactly one refresh.
type DefaultManager struct {
	cfg        Config
	store      storage.SessionRepository
	httpClient *http.Client
	log        *slog.Logger

	mu      sync.Mutex
	session *domain.Session
}

// NewManager creates a session manager backed by the given store.
func NewManager(cfg Config, store storage.SessionRepository) *DefaultManager {
	if cfg.ExpirySkew <= 0 {
		cfg.ExpirySkew = 30 * time.Second
	}
	return &DefaultManager{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        slog.Default(),
	}
}

// EnsureValid guarantees a usable access token.
func (m *DefaultManager) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		m.loadLocked(ctx)
	}
	if m.session.Usable(m.cfg.ExpirySkew) {
		return nil
	}
	return m.refreshLocked(ctx)
}

// Refresh exchanges the refresh token for a new session.
func (m *DefaultManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		m.loadLocked(ctx)
	}
	return m.refreshLocked(ctx)
}

// SignOut revokes the session upstream and clears stored state. Revocation
// is best effort; clearing the store is not.
func (m *DefaultManager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		m.loadLocked(ctx)
	}
	if m.session != nil && m.session.RefreshToken != "" && m.cfg.RevokeURL != "" {
		if err := m.revoke(ctx, m.session.RefreshToken); err != nil {
			m.log.Warn("Failed to revoke session upstream", "error", err)
		}
	}

	m.session = nil
	metrics.SignOutsTotal.Inc()

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	m.log.Info("Session cleared")
	return nil
}

// AccessToken returns the current access token.
func (m *DefaultManager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// loadLocked restores the session from the store, falling back to the
// configured bootstrap refresh token.
func (m *DefaultManager) loadLocked(ctx context.Context) {
	session, err := m.store.Load(ctx)
	if err == nil {
		m.session = session
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		m.log.Warn("Failed to load stored session", "error", err)
	}
	if m.cfg.RefreshToken != "" {
		m.session = &domain.Session{RefreshToken: m.cfg.RefreshToken}
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// refreshLocked performs the token exchange. Transport faults and 5xx from
// the token endpoint are retried briefly; a rejection is terminal.
func (m *DefaultManager) refreshLocked(ctx context.Context) error {
	if m.session == nil || m.session.RefreshToken == "" {
		return ErrNoSession
	}

	var tr *tokenResponse
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var exErr error
		tr, exErr = m.exchange(ctx)
		return exErr
	})
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		return err
	}

	refreshToken := m.session.RefreshToken
	if tr.RefreshToken != "" {
		// The endpoint rotated the refresh token.
		refreshToken = tr.RefreshToken
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	m.session = &domain.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()

	if err := m.store.Save(ctx, m.session); err != nil {
		m.log.Warn("Failed to persist session", "error", err)
	}
	m.log.Info("Session refreshed", "expires_at", m.session.ExpiresAt.Format(time.RFC3339))
	return nil
}

// exchange performs one POST against the token endpoint.
func (m *DefaultManager) exchange(ctx context.Context) (*tokenResponse, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": m.session.RefreshToken,
		"client_id":     m.cfg.ClientID,
		"client_secret": m.cfg.ClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("token request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("read token response: %w", err))
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, retry.RetryableError(fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d %s", ErrRefreshRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrRefreshRejected)
	}
	return &tr, nil
}

// revoke tells the partner to invalidate the refresh token.
func (m *DefaultManager) revoke(ctx context.Context, refreshToken string) error {
	payload, err := json.Marshal(map[string]string{
		"token":     refreshToken,
		"client_id": m.cfg.ClientID,
	})
	if err != nil {
		return fmt.Errorf("marshal revoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RevokeURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("revoke endpoint returned %d", resp.StatusCode)
	}
	return nil
}
