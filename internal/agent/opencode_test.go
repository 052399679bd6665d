package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/mneme/pkg/store"
)

type fakeOpenCode struct {
	mu       sync.Mutex
	sessions int
	prompts  []string
	failOn   string // messages to this session fail
}

func (f *fakeOpenCode) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		assert.Equal(t, "opencode", user)
		assert.Equal(t, "secret", pass)

		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			f.sessions++
			json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("ses_%d", f.sessions)})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/message"):
			sid := strings.Split(r.URL.Path, "/")[2]
			if sid == f.failOn {
				http.Error(w, "session gone", http.StatusNotFound)
				return
			}
			var body struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			}
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) || len(body.Parts) == 0 {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			f.prompts = append(f.prompts, body.Parts[0].Text)
			w.Write([]byte(`{"parts":[{"type":"tool","text":"ignored"},{"type":"text","text":"Your talk is at 3pm."},{"type":"text","text":"Slides are in Drive."}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/session":
			w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	})
}

func TestHookProcessTrigger(t *testing.T) {
	fake := &fakeOpenCode{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	hook := NewOpenCodeHook(NewOpenCode(srv.URL, "opencode", "secret", 0))
	item := store.ScheduledItem{
		ID: "it1", UserID: "alice", Type: "event_prep",
		Message: "Conference talk tomorrow", Context: `{"event":"talk"}`,
	}

	reply, err := hook.ProcessTrigger(context.Background(), item, "Good luck tomorrow!")
	require.NoError(t, err)
	assert.Equal(t, "Your talk is at 3pm.\nSlides are in Drive.", reply)
	require.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.prompts[0], "Conference talk tomorrow")
	assert.Contains(t, fake.prompts[0], "Good luck tomorrow!")
	assert.Contains(t, fake.prompts[0], `{"event":"talk"}`)

	// Same user, same session.
	_, err = hook.ProcessTrigger(context.Background(), item, "")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.sessions)

	assert.True(t, hook.Client().IsAvailable(context.Background()))
}

func TestHookRetriesWithFreshSession(t *testing.T) {
	fake := &fakeOpenCode{failOn: "ses_1"}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	hook := NewOpenCodeHook(NewOpenCode(srv.URL, "opencode", "secret", 0))
	item := store.ScheduledItem{UserID: "bob", Type: "goal_checkin", Message: "Running goal"}

	reply, err := hook.ProcessTrigger(context.Background(), item, "")
	require.NoError(t, err)
	assert.NotEmpty(t, reply)
	assert.Equal(t, 2, fake.sessions)
}

func TestHookUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := NewOpenCodeHook(NewOpenCode(srv.URL, "", "", 0))
	_, err := hook.ProcessTrigger(context.Background(), store.ScheduledItem{UserID: "u"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.False(t, hook.Client().IsAvailable(context.Background()))
}
