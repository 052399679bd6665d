package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	illm "github.com/nous-labs/mneme/internal/llm"
)

func testConfig() *Config {
	cfg := defaultConfig()
	cfg.DBPath = ":memory:"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.AuthFile = ""
	cfg.LLM = LLMConfig{Deep: illm.ProviderConfig{}, Fast: illm.ProviderConfig{}}
	cfg.Embeddings = EmbeddingsConfig{}
	cfg.VectorIndex.PostgresURL = ""
	cfg.Matrix.Enabled = false
	cfg.Agent.URL = ""
	return cfg
}

func TestDaemonServesHealth(t *testing.T) {
	d, err := New(context.Background(), testConfig(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}

func TestDaemonRunStopsOnCancel(t *testing.T) {
	d, err := New(context.Background(), testConfig(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, d.Gardener().Running, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, d.Gardener().Running())
}

func TestDaemonRunReportsListenFailure(t *testing.T) {
	cfg := testConfig()
	cfg.HTTPAddr = "256.0.0.1:99999"
	cfg.Gardener.Disabled = true
	d, err := New(context.Background(), cfg, "test")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.Error(t, d.Run(ctx))
}
