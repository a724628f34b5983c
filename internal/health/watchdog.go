// Package health implements the liveness watchdog (C2): a single
// background task per process that probes every registered backend on an
// interval and flips its advisory availability flag. It never removes a
// backend and never surfaces an error to a client; it only writes
// Backend.available/last_probe_*.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llama-nexus/llama-nexus/internal/metrics"
	"github.com/llama-nexus/llama-nexus/internal/registry"
)

const (
	probeTimeout = 5 * time.Second
)

// Watchdog periodically probes every backend in the registry.
type Watchdog struct {
	reg      *registry.Registry
	interval time.Duration
	client   *http.Client
	log      *zap.Logger

	logMu            sync.Mutex
	lastLogByBackend map[string]time.Time
}

func New(reg *registry.Registry, interval time.Duration, log *zap.Logger) *Watchdog {
	return &Watchdog{
		reg:              reg,
		interval:         interval,
		client:           &http.Client{Timeout: probeTimeout},
		log:              log,
		lastLogByBackend: make(map[string]time.Time),
	}
}

// Run blocks, probing on every tick and on every registry "added" event
// (so a freshly registered backend is probed immediately rather than
// waiting for the next tick), until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	events := w.reg.Subscribe()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probeAll(ctx)
		case ev := <-events:
			if ev.Type == registry.EventAdded {
				go w.probeOne(ctx, ev.Backend)
			}
		}
	}
}

func (w *Watchdog) probeAll(ctx context.Context) {
	for _, b := range w.reg.List("") {
		// probes run concurrently across backends, serialized per backend by
		// virtue of each backend getting exactly one goroutine per tick.
		go w.probeOne(ctx, b)
	}
}

func (w *Watchdog) probeOne(ctx context.Context, b *registry.Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	alive, outcome := w.probe(probeCtx, b)
	b.SetAvailable(alive)
	b.SetProbeOutcome(time.Now(), outcome)
	metrics.SetBackendAvailable(b.ID, string(b.Kind), alive)

	if alive {
		w.probeModels(probeCtx, b)
	} else {
		w.logFailureRateLimited(b, outcome)
	}
}

// probeModels fetches {base_url}/models and records the model names the
// backend advertises, so Pick's explicit model-hint step (§4.3) has
// something to match against. Best-effort: a malformed or missing /models
// endpoint just leaves the backend's model list empty and Pick falls
// through to round robin, same as before this probe existed.
func (w *Watchdog) probeModels(ctx context.Context, b *registry.Backend) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/models", nil)
	if err != nil {
		return
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return
	}
	models := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, m.ID)
	}
	b.SetModels(models)
}

// probe issues a GET against the backend's base URL, treating 2xx-4xx as
// alive (the server answered), 5xx or a transport failure as dead. If the
// base-URL probe fails outright, it falls back to the backend's own
// "/health" suffix, per §4.2.
func (w *Watchdog) probe(ctx context.Context, b *registry.Backend) (bool, string) {
	if alive, outcome := w.get(ctx, b.BaseURL); alive {
		return true, outcome
	}
	alive, outcome := w.get(ctx, b.BaseURL+"/health")
	return alive, outcome
}

func (w *Watchdog) get(ctx context.Context, url string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return false, fmt.Sprintf("status %d", resp.StatusCode)
	}
	return true, fmt.Sprintf("status %d", resp.StatusCode)
}

// logFailureRateLimited logs at most once per interval per backend, so a
// backend stuck down does not flood the log.
func (w *Watchdog) logFailureRateLimited(b *registry.Backend, outcome string) {
	if w.log == nil {
		return
	}
	now := time.Now()
	w.logMu.Lock()
	last, ok := w.lastLogByBackend[b.ID]
	if ok && now.Sub(last) < w.interval {
		w.logMu.Unlock()
		return
	}
	w.lastLogByBackend[b.ID] = now
	w.logMu.Unlock()
	w.log.Warn("backend probe failed",
		zap.String("backend_id", b.ID),
		zap.String("kind", string(b.Kind)),
		zap.String("outcome", outcome),
	)
}
