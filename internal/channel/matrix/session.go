package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// savedLogin is the access token cached between restarts.
type savedLogin struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// session authenticates a client, reusing a cached token when the
// homeserver still accepts it.
type session struct {
	cfg    Config
	client *mautrix.Client
	path   string

	attempts int
	backoff  time.Duration
	ceiling  time.Duration
}

func newSession(cfg Config, client *mautrix.Client) *session {
	return &session{
		cfg:      cfg,
		client:   client,
		path:     filepath.Join(cfg.DataDir, "matrix_credentials.json"),
		attempts: 10,
		backoff:  2 * time.Second,
		ceiling:  2 * time.Minute,
	}
}

func (s *session) establish(ctx context.Context) error {
	if s.restore(ctx) {
		return nil
	}
	return s.login(ctx)
}

// restore applies the cached token and checks it with whoami. A rejected
// token is discarded so the password login replaces it.
func (s *session) restore(ctx context.Context) bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	var saved savedLogin
	if err := json.Unmarshal(data, &saved); err != nil || saved.AccessToken == "" {
		slog.Warn("matrix: ignoring unreadable credentials", "file", s.path)
		return false
	}
	s.client.AccessToken = saved.AccessToken
	s.client.UserID = id.UserID(saved.UserID)
	s.client.DeviceID = id.DeviceID(saved.DeviceID)

	if _, err := s.client.Whoami(ctx); err != nil {
		if errCode(err) == "M_UNKNOWN_TOKEN" {
			slog.Info("matrix: cached token rejected, logging in again")
			s.client.AccessToken = ""
			_ = os.Remove(s.path)
			return false
		}
		// Homeserver unreachable: keep the token and let sync retry.
		slog.Warn("matrix: could not verify cached token", "error", err)
	}
	slog.Info("matrix: using cached credentials", "user", s.client.UserID, "device", s.client.DeviceID)
	return true
}

// login performs password login with capped exponential backoff.
// Credential errors are not retried.
func (s *session) login(ctx context.Context) error {
	wait := s.backoff
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		var resp *mautrix.RespLogin
		resp, err = s.client.Login(ctx, &mautrix.ReqLogin{
			Type:             mautrix.AuthTypePassword,
			Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: s.cfg.UserID},
			Password:         s.cfg.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("matrix: logged in", "user", resp.UserID, "device", resp.DeviceID)
			s.save(savedLogin{AccessToken: resp.AccessToken, UserID: string(resp.UserID), DeviceID: string(resp.DeviceID)})
			return nil
		}
		if permanent(err) {
			return fmt.Errorf("matrix login: %w", err)
		}
		if attempt == s.attempts {
			break
		}

		slog.Warn("matrix: login failed", "attempt", attempt, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, s.ceiling)
	}
	return fmt.Errorf("matrix login after %d attempts: %w", s.attempts, err)
}

func (s *session) save(l savedLogin) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err == nil {
		err = os.WriteFile(s.path, data, 0o600)
	}
	if err != nil {
		slog.Warn("matrix: credentials not cached", "file", s.path, "error", err)
	}
}

// permanent reports login errors that another attempt cannot fix.
func permanent(err error) bool {
	switch errCode(err) {
	case "M_FORBIDDEN", "M_UNKNOWN_TOKEN", "M_INVALID_PARAM", "M_USER_DEACTIVATED":
		return true
	}
	return false
}

// errCode extracts the Matrix errcode from a failed request.
func errCode(err error) string {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.RespError != nil {
		return httpErr.RespError.ErrCode
	}
	return ""
}
