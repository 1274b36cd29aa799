package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/storage"
)

// sessionTTL bounds how long a stored session outlives its last write.
// Refresh tokens older than this are dead upstream anyway.
const sessionTTL = 30 * 24 * time.Hour

// SessionRepo implements storage.SessionRepository using Redis.
type SessionRepo struct {
	rdb  *redis.Client
	name string
}

// NewSessionRepo creates a Redis-backed session repository. The name keys
// the session so multiple courier instances can share one Redis.
func NewSessionRepo(client *Client, name string) *SessionRepo {
	return &SessionRepo{
		rdb:  client.rdb,
		name: name,
	}
}

func (r *SessionRepo) sessionKey() string {
	return fmt.Sprintf("courier:session:%s", r.name)
}

// Load retrieves the stored session.
func (r *SessionRepo) Load(ctx context.Context) (*domain.Session, error) {
	data, err := r.rdb.Get(ctx, r.sessionKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Save stores the session, replacing any previous one.
func (r *SessionRepo) Save(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.rdb.Set(ctx, r.sessionKey(), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

// Clear removes the stored session.
func (r *SessionRepo) Clear(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.sessionKey()).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
