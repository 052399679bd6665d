package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
		path string
		want string
	}{
		{"plain object", `{"relation":"UPDATES"}`, true, "relation", "UPDATES"},
		{"fenced", "```json\n{\"relation\": \"EXTENDS\"}\n```", true, "relation", "EXTENDS"},
		{"chatter around", `Sure! Here you go: {"content": "likes tea"} hope that helps`, true, "content", "likes tea"},
		{"array", `ranking: [2, 0, 1]`, true, "0", "2"},
		{"garbage", `I think it is an update`, false, "", ""},
		{"scalar only", `"UPDATES"`, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := ExtractJSON(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, r.Get(tt.path).String())
			}
		})
	}
}

func TestRouterFallback(t *testing.T) {
	deep := NewMock("deep answer")
	r := NewRouter(map[Tier]Provider{TierDeep: deep, TierFast: nil})

	resp, err := r.Complete(context.Background(), TierFast, Prompt("", "hi", 10))
	require.NoError(t, err)
	assert.Equal(t, "deep answer", resp.Content)

	p := r.ForTier(TierFast)
	require.NotNil(t, p)
	assert.Equal(t, "mock", p.Name())

	empty := NewRouter(nil)
	assert.True(t, empty.Empty())
	assert.Nil(t, empty.ForTier(TierDeep))
	_, err = empty.Complete(context.Background(), TierDeep, Prompt("", "hi", 10))
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestMockProvider(t *testing.T) {
	m := NewMock("one", "two")
	ctx := context.Background()
	for _, want := range []string{"one", "two", "two"} {
		resp, err := m.Complete(ctx, Prompt("", "x", 1))
		require.NoError(t, err)
		assert.Equal(t, want, resp.Content)
	}
	assert.Equal(t, 3, m.CallCount())

	boom := errors.New("boom")
	failing := &MockProvider{Err: boom}
	_, err := failing.Complete(ctx, Prompt("", "x", 1))
	assert.ErrorIs(t, err, boom)
}

func TestProviderError(t *testing.T) {
	err := &ProviderError{Provider: "anthropic", Message: "overloaded", StatusCode: 529}
	assert.Equal(t, "anthropic: overloaded", err.Error())
	assert.Equal(t, "no provider configured for requested tier", ErrNoProvider.Error())
}
