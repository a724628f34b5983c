// Package registry implements the backend registry (C1) and the selector
// (C3) as a single mutex-guarded type, the shared-map option of the design
// notes: one mutex, atomic availability flags so the health watchdog never
// takes the registry lock, and a broadcast channel for watchdog
// notifications.
package registry

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/llama-nexus/llama-nexus/internal/gwerror"
)

// Kind is the closed backend-category enumeration from the data model.
type Kind string

const (
	Chat        Kind = "chat"
	Embeddings  Kind = "embeddings"
	Image       Kind = "image"
	Transcribe  Kind = "transcribe"
	Translate   Kind = "translate"
	TTS         Kind = "tts"
)

// ValidKinds lists every accepted kind, in the order they appear in the spec.
var ValidKinds = []Kind{Chat, Embeddings, Image, Transcribe, Translate, TTS}

func (k Kind) Valid() bool {
	for _, v := range ValidKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Suffixes maps a kind to the OpenAI sub-paths it answers for.
var Suffixes = map[Kind][]string{
	Chat:       {"/chat/completions"},
	Embeddings: {"/embeddings"},
	Image:      {"/images/generations", "/images/edits"},
	Transcribe: {"/audio/transcriptions"},
	Translate:  {"/audio/translations"},
	TTS:        {"/audio/speech"},
}

// Backend is one entry in the registry. Available/LastProbeAt/LastProbeOutcome
// are owned exclusively by the health watchdog; everything else is owned by
// the registry's admin-facing mutations.
type Backend struct {
	ID       string
	Kind     Kind
	BaseURL  string
	APIKey   string

	available atomic.Bool

	mu               sync.RWMutex
	lastProbeAt      time.Time
	lastProbeOutcome string
	models           []string
}

func (b *Backend) Available() bool { return b.available.Load() }

func (b *Backend) SetAvailable(v bool) { b.available.Store(v) }

func (b *Backend) SetProbeOutcome(at time.Time, outcome string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastProbeAt = at
	b.lastProbeOutcome = outcome
}

func (b *Backend) ProbeInfo() (time.Time, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastProbeAt, b.lastProbeOutcome
}

func (b *Backend) SetModels(models []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models = models
}

func (b *Backend) HasModel(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.models {
		if m == name {
			return true
		}
	}
	return false
}

// Snapshot is an immutable, read-only copy of a Backend's admin-visible fields,
// safe to hand to JSON encoders or to callers outside the registry's lock.
type Snapshot struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	URL              string    `json:"url"`
	Available        bool      `json:"available"`
	LastProbeAt      time.Time `json:"last_probe_at,omitempty"`
	LastProbeOutcome string    `json:"last_probe_outcome,omitempty"`
}

func (b *Backend) Snapshot() Snapshot {
	at, outcome := b.ProbeInfo()
	return Snapshot{
		ID:               b.ID,
		Kind:             b.Kind,
		URL:              b.BaseURL,
		Available:        b.Available(),
		LastProbeAt:      at,
		LastProbeOutcome: outcome,
	}
}

// EventType distinguishes registry change notifications.
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
)

// Event is broadcast to the health watchdog (and any other subscriber) on
// every registry mutation.
type Event struct {
	Type    EventType
	Backend *Backend
}

// Registry holds the live backend set and round-robin cursors. All mutation
// methods fully serialize on mu; List/Pick take a brief read lock to copy a
// snapshot and release it before doing further work.
type Registry struct {
	mu       sync.RWMutex
	byKind   map[Kind][]*Backend
	byID     map[string]*Backend
	cursors  map[Kind]*atomic.Uint64

	subMu sync.Mutex
	subs  []chan Event
}

func New() *Registry {
	return &Registry{
		byKind:  make(map[Kind][]*Backend),
		byID:    make(map[string]*Backend),
		cursors: make(map[Kind]*atomic.Uint64),
	}
}

// Subscribe returns a channel that receives every future registry mutation.
// Used by the health watchdog to probe newly registered backends immediately.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) broadcast(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// a slow subscriber does not block registry mutations.
		}
	}
}

// Register validates and inserts a new backend, per C1's contract.
func (r *Registry) Register(rawURL string, kind Kind, apiKey string) (*Backend, error) {
	if !kind.Valid() {
		return nil, gwerror.WithCode(gwerror.InvalidRequest, "invalid_kind", fmt.Sprintf("invalid kind %q", kind))
	}
	trimmed := strings.TrimRight(rawURL, "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, gwerror.WithCode(gwerror.InvalidRequest, "invalid_url", fmt.Sprintf("invalid url %q", rawURL))
	}

	backend := &Backend{
		ID:      fmt.Sprintf("%s-server-%s", kind, uuid.New().String()),
		Kind:    kind,
		BaseURL: trimmed,
		APIKey:  apiKey,
	}
	// A backend defaults to available until the watchdog says otherwise, or
	// forever if the watchdog is disabled (§4.3 step 2).
	backend.SetAvailable(true)

	r.mu.Lock()
	r.byKind[kind] = append(r.byKind[kind], backend)
	r.byID[backend.ID] = backend
	if _, ok := r.cursors[kind]; !ok {
		r.cursors[kind] = &atomic.Uint64{}
	}
	r.mu.Unlock()

	r.broadcast(Event{Type: EventAdded, Backend: backend})
	return backend, nil
}

// Unregister removes a backend if present. Removing an absent ID is a
// successful no-op, per C1's idempotence contract.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	backend, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byID, id)
	list := r.byKind[backend.Kind]
	for i, b := range list {
		if b.ID == id {
			r.byKind[backend.Kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.broadcast(Event{Type: EventRemoved, Backend: backend})
	return nil
}

// List returns a snapshot copy of backends, optionally filtered by kind.
// An empty kind returns every backend across every kind.
func (r *Registry) List(kind Kind) []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind == "" {
		out := make([]*Backend, 0, len(r.byID))
		for _, k := range ValidKinds {
			out = append(out, r.byKind[k]...)
		}
		return out
	}
	src := r.byKind[kind]
	out := make([]*Backend, len(src))
	copy(out, src)
	return out
}

// Get looks a backend up by ID.
func (r *Registry) Get(id string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	return b, ok
}

// Pick implements C3's selection algorithm: filter to available (or to
// everything, if none are available), honor an explicit model-name hint via
// each backend's probed model list, else round-robin over the candidate set.
// The round-robin cursor only advances on a successful pick.
func (r *Registry) Pick(kind Kind, modelHint string) (*Backend, error) {
	r.mu.RLock()
	all := append([]*Backend(nil), r.byKind[kind]...)
	cursor, ok := r.cursors[kind]
	if !ok {
		cursor = &atomic.Uint64{}
	}
	r.mu.RUnlock()

	if len(all) == 0 {
		return nil, gwerror.WithCode(gwerror.NoBackend, string(kind), fmt.Sprintf("no %s backend available", kind))
	}

	candidates := filterAvailable(all)
	if len(candidates) == 0 {
		// watchdog disabled or still warming up: fall back to the full set.
		candidates = all
	}

	if modelHint != "" {
		for _, b := range candidates {
			if b.HasModel(modelHint) {
				return b, nil
			}
		}
		// not found by name: fall through to round robin within the kind.
	}

	idx := cursor.Add(1) - 1
	chosen := candidates[idx%uint64(len(candidates))]
	return chosen, nil
}

func filterAvailable(in []*Backend) []*Backend {
	out := make([]*Backend, 0, len(in))
	for _, b := range in {
		if b.Available() {
			out = append(out, b)
		}
	}
	return out
}
