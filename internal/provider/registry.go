package provider

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codebuildervaibhav/scribber/internal/types"
)

// Info describes a configured provider.
type Info struct {
	ID      string          `json:"id"`
	Kind    types.StageKind `json:"kind"`
	Type    string          `json:"type"`
	Model   string          `json:"model,omitempty"`
	Timeout time.Duration   `json:"-"`
}

type entry struct {
	info        Info
	transcriber Transcriber
	summarizer  Summarizer
}

// Registry resolves provider ids to adapters.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// RegisterTranscriber adds a transcription adapter.
func (r *Registry) RegisterTranscriber(info Info, t Transcriber) error {
	info.Kind = types.StageKindTranscription
	return r.add(entry{info: info, transcriber: t})
}

// RegisterSummarizer adds a summarization adapter.
func (r *Registry) RegisterSummarizer(info Info, s Summarizer) error {
	info.Kind = types.StageKindSummarization
	return r.add(entry{info: info, summarizer: s})
}

func (r *Registry) add(e entry) error {
	if e.info.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.info.ID]; exists {
		return fmt.Errorf("provider %q already registered", e.info.ID)
	}
	r.entries[e.info.ID] = e
	return nil
}

// Lookup returns the provider info for id and checks it serves kind.
func (r *Registry) Lookup(id string, kind types.StageKind) (Info, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: unknown provider %q", types.ErrValidation, id)
	}
	if e.info.Kind != kind {
		return Info{}, fmt.Errorf("%w: provider %q does not support %s", types.ErrValidation, id, kind)
	}
	return e.info, nil
}

// Transcriber returns the transcription adapter registered under id.
func (r *Registry) Transcriber(id string) (Transcriber, Info, error) {
	info, err := r.Lookup(id, types.StageKindTranscription)
	if err != nil {
		return nil, Info{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id].transcriber, info, nil
}

// Summarizer returns the summarization adapter registered under id.
func (r *Registry) Summarizer(id string) (Summarizer, Info, error) {
	info, err := r.Lookup(id, types.StageKindSummarization)
	if err != nil {
		return nil, Info{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id].summarizer, info, nil
}

// Adapter returns whichever adapter is registered under id.
func (r *Registry) Adapter(id string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	if e.transcriber != nil {
		return e.transcriber
	}
	return e.summarizer
}

// List returns all registered providers ordered by kind then id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}
