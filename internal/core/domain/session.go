package domain

import "time"

// Session is the persisted credential state for the upstream API.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Usable reports whether the access token can be presented without a
// refresh, keeping skew as a safety margin before the recorded expiry.
func (s *Session) Usable(skew time.Duration) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return time.Until(s.ExpiresAt) > skew
}
