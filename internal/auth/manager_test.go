package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/storage"
	"github.com/vietddude/courier/internal/infra/storage/memory"
)

func tokenEndpoint(t *testing.T, calls *int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		handler(w, r)
	}))
}

func grantTokens(access, refresh string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"expires_in":    3600,
		})
	}
}

func seededStore(t *testing.T, session *domain.Session) storage.SessionRepository {
	t.Helper()
	store := memory.NewSessionRepo(memory.NewMemoryStorage())
	if session != nil {
		if err := store.Save(context.Background(), session); err != nil {
			t.Fatalf("Seed store failed: %v", err)
		}
	}
	return store
}

func TestManager_EnsureValidRefreshesExpired(t *testing.T) {
	var calls int32
	server := tokenEndpoint(t, &calls, grantTokens("new-at", "rotated-rt"))
	defer server.Close()

	store := seededStore(t, &domain.Session{
		AccessToken:  "stale-at",
		RefreshToken: "old-rt",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	m := NewManager(Config{TokenURL: server.URL}, store)

	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid failed: %v", err)
	}
	if got := m.AccessToken(); got != "new-at" {
		t.Errorf("Expected new-at, got %q", got)
	}
	if calls != 1 {
		t.Errorf("Expected 1 token call, got %d", calls)
	}

	// Rotation must reach the store.
	stored, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if stored.RefreshToken != "rotated-rt" {
		t.Errorf("Expected rotated refresh token persisted, got %q", stored.RefreshToken)
	}
}

func TestManager_EnsureValidSkipsUsableToken(t *testing.T) {
	var calls int32
	server := tokenEndpoint(t, &calls, grantTokens("unused", ""))
	defer server.Close()

	store := seededStore(t, &domain.Session{
		AccessToken:  "live-at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	m := NewManager(Config{TokenURL: server.URL}, store)

	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no token call for a live session, got %d", calls)
	}
	if got := m.AccessToken(); got != "live-at" {
		t.Errorf("Expected live-at, got %q", got)
	}
}

func TestManager_BootstrapFromConfig(t *testing.T) {
	var calls int32
	var sawRefreshToken string
	server := tokenEndpoint(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		sawRefreshToken = req["refresh_token"]
		grantTokens("boot-at", "")(w, r)
	})
	defer server.Close()

	m := NewManager(Config{
		TokenURL:     server.URL,
		RefreshToken: "bootstrap-rt",
	}, seededStore(t, nil))

	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid failed: %v", err)
	}
	if sawRefreshToken != "bootstrap-rt" {
		t.Errorf("Expected bootstrap token in exchange, got %q", sawRefreshToken)
	}
	if got := m.AccessToken(); got != "boot-at" {
		t.Errorf("Expected boot-at, got %q", got)
	}
}

func TestManager_NoSession(t *testing.T) {
	m := NewManager(Config{TokenURL: "http://localhost:0"}, seededStore(t, nil))

	if err := m.EnsureValid(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Expected ErrNoSession, got %v", err)
	}
}

func TestManager_RefreshRejected(t *testing.T) {
	var calls int32
	server := tokenEndpoint(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	defer server.Close()

	store := seededStore(t, &domain.Session{RefreshToken: "dead-rt"})
	m := NewManager(Config{TokenURL: server.URL}, store)

	if err := m.Refresh(context.Background()); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("Expected ErrRefreshRejected, got %v", err)
	}
	if calls != 1 {
		t.Errorf("A rejection must not be retried, got %d calls", calls)
	}
}

func TestManager_RefreshRetriesServerErrors(t *testing.T) {
	var calls int32
	server := tokenEndpoint(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&calls) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		grantTokens("recovered-at", "")(w, r)
	})
	defer server.Close()

	store := seededStore(t, &domain.Session{RefreshToken: "rt"})
	m := NewManager(Config{TokenURL: server.URL}, store)

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 2 retries then success, got %d calls", calls)
	}
	if got := m.AccessToken(); got != "recovered-at" {
		t.Errorf("Expected recovered-at, got %q", got)
	}
}

func TestManager_SignOut(t *testing.T) {
	var revokeCalls int32
	revoke := tokenEndpoint(t, &revokeCalls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	defer revoke.Close()

	store := seededStore(t, &domain.Session{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	m := NewManager(Config{RevokeURL: revoke.URL}, store)

	// Pull the session into memory first.
	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid failed: %v", err)
	}

	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if revokeCalls != 1 {
		t.Errorf("Expected 1 revoke call, got %d", revokeCalls)
	}
	if got := m.AccessToken(); got != "" {
		t.Errorf("Expected empty token after sign-out, got %q", got)
	}
	if _, err := store.Load(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected cleared store, got %v", err)
	}
}
