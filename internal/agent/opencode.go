// Package agent connects actionable proactive items to an OpenCode
// agent, which can do real work (look things up, prepare notes) before
// the message goes out.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/mneme/pkg/store"
)

// OpenCodeClient talks to an OpenCode serve API.
type OpenCodeClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewOpenCode creates a new OpenCode API client.
func NewOpenCode(baseURL, username, password string, timeout time.Duration) *OpenCodeClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute // agent tasks can take a while
	}
	return &OpenCodeClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

type session struct {
	ID string `json:"id"`
}

type messageResponse struct {
	Parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"parts"`
}

// CreateSession creates a new OpenCode session and returns its id.
func (c *OpenCodeClient) CreateSession(ctx context.Context, title string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": title})
	resp, err := c.do(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	var s session
	if err := json.Unmarshal(resp, &s); err != nil {
		return "", fmt.Errorf("parse session: %w", err)
	}
	if s.ID == "" {
		return "", fmt.Errorf("create session: empty id")
	}
	slog.Info("agent: opencode session created", "id", s.ID)
	return s.ID, nil
}

// SendMessage sends a message to a session and returns the text parts of
// the reply joined by newlines.
func (c *OpenCodeClient) SendMessage(ctx context.Context, sessionID, message string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"parts": []map[string]string{{"type": "text", "text": message}},
	})
	resp, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/message", body)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	var msg messageResponse
	if err := json.Unmarshal(resp, &msg); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	var parts []string
	for _, p := range msg.Parts {
		if p.Type == "text" && strings.TrimSpace(p.Text) != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// IsAvailable checks if OpenCode serve is reachable.
func (c *OpenCodeClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.do(ctx, http.MethodGet, "/session", nil)
	return err == nil
}

func (c *OpenCodeClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

// OpenCodeHook implements proactive.AgentHook on top of OpenCode. Each
// user gets one long-lived agent session so the agent keeps context
// between items.
type OpenCodeHook struct {
	client *OpenCodeClient

	mu       sync.Mutex
	sessions map[string]string // user id -> OpenCode session id
}

// NewOpenCodeHook creates a hook.
func NewOpenCodeHook(client *OpenCodeClient) *OpenCodeHook {
	return &OpenCodeHook{client: client, sessions: make(map[string]string)}
}

// Client returns the underlying OpenCode client.
func (h *OpenCodeHook) Client() *OpenCodeClient { return h.client }

// ProcessTrigger asks the agent to prepare the item and returns the
// message it wants sent. On a send failure the user's session is
// replaced once and the request retried.
func (h *OpenCodeHook) ProcessTrigger(ctx context.Context, item store.ScheduledItem, draft string) (string, error) {
	prompt := triggerPrompt(item, draft)
	start := time.Now()

	sid, err := h.session(ctx, item.UserID, false)
	if err != nil {
		return "", err
	}
	reply, err := h.client.SendMessage(ctx, sid, prompt)
	if err != nil {
		slog.Warn("agent: send failed, retrying with new session", "user", item.UserID, "error", err)
		if sid, err = h.session(ctx, item.UserID, true); err != nil {
			return "", err
		}
		if reply, err = h.client.SendMessage(ctx, sid, prompt); err != nil {
			return "", fmt.Errorf("agent retry for %s: %w", item.UserID, err)
		}
	}

	slog.Info("agent: trigger processed",
		"item", item.ID,
		"type", item.Type,
		"session", sid,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"reply_len", len(reply),
	)
	return strings.TrimSpace(reply), nil
}

func (h *OpenCodeHook) session(ctx context.Context, userID string, fresh bool) (string, error) {
	h.mu.Lock()
	sid := h.sessions[userID]
	h.mu.Unlock()
	if sid != "" && !fresh {
		return sid, nil
	}

	sid, err := h.client.CreateSession(ctx, "proactive: "+userID)
	if err != nil {
		return "", fmt.Errorf("agent session for %s: %w", userID, err)
	}
	h.mu.Lock()
	h.sessions[userID] = sid
	h.mu.Unlock()
	return sid, nil
}

func triggerPrompt(item store.ScheduledItem, draft string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A scheduled %s item for user %s is due.\n", item.Type, item.UserID)
	fmt.Fprintf(&b, "Reason: %s\n", item.Message)
	if item.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", item.Context)
	}
	if draft != "" {
		fmt.Fprintf(&b, "Draft message: %s\n", draft)
	}
	b.WriteString("\nDo any preparation that helps, then reply with only the message to send the user. Reply with an empty message to keep the draft.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
