package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-nexus/llama-nexus/internal/registry"
)

func TestProbeTreatsServerErrorAsDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registry.New()
	b, err := reg.Register(srv.URL, registry.Chat, "")
	require.NoError(t, err)

	w := New(reg, time.Minute, nil)
	w.probeOne(context.Background(), b)

	assert.False(t, b.Available())
}

func TestProbeTreatsAnyNonServerErrorStatusAsAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := registry.New()
	b, err := reg.Register(srv.URL, registry.Chat, "")
	require.NoError(t, err)

	w := New(reg, time.Minute, nil)
	w.probeOne(context.Background(), b)

	assert.True(t, b.Available(), "a 404 means the server answered, which counts as alive")
}

func TestProbeFallsBackToHealthSuffix(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := registry.New()
	b, err := reg.Register(srv.URL, registry.Chat, "")
	require.NoError(t, err)

	w := New(reg, time.Minute, nil)
	w.probeOne(context.Background(), b)

	assert.True(t, b.Available())
}

func TestProbeOneRecordsModelsFromModelsEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4"},{"id":"gpt-3.5-turbo"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := registry.New()
	b, err := reg.Register(srv.URL, registry.Chat, "")
	require.NoError(t, err)

	w := New(reg, time.Minute, nil)
	w.probeOne(context.Background(), b)

	assert.True(t, b.HasModel("gpt-4"))
	assert.True(t, b.HasModel("gpt-3.5-turbo"))
	assert.False(t, b.HasModel("claude-3"))
}

func TestProbeOneLeavesModelsEmptyWhenModelsEndpointFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := registry.New()
	b, err := reg.Register(srv.URL, registry.Chat, "")
	require.NoError(t, err)

	w := New(reg, time.Minute, nil)
	w.probeOne(context.Background(), b)

	assert.True(t, b.Available())
	assert.False(t, b.HasModel("gpt-4"))
}
