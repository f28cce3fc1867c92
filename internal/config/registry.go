package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vocero-ai/vocero/pkg/provider/llm"
	"github.com/vocero-ai/vocero/pkg/provider/stt"
	"github.com/vocero-ai/vocero/pkg/provider/tts"
	"github.com/vocero-ai/vocero/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each port
// kind. It is populated once at startup and read during session
// construction; factories run off the audio hot path. Safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(ProviderSettings) (llm.Provider, error)
	stt map[string]func(ProviderSettings) (stt.Provider, error)
	tts map[string]func(ProviderSettings) (tts.Provider, error)
	vad map[string]func(ProviderSettings) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(ProviderSettings) (llm.Provider, error)),
		stt: make(map[string]func(ProviderSettings) (stt.Provider, error)),
		tts: make(map[string]func(ProviderSettings) (tts.Provider, error)),
		vad: make(map[string]func(ProviderSettings) (vad.Engine, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderSettings) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderSettings) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderSettings) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderSettings) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// name, handing it the settings from the providers{} block. Returns
// [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(name string, settings ProviderSettings) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, name)
	}
	return factory(settings)
}

// CreateSTT instantiates an STT provider using the factory registered under name.
func (r *Registry) CreateSTT(name string, settings ProviderSettings) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, name)
	}
	return factory(settings)
}

// CreateTTS instantiates a TTS provider using the factory registered under name.
func (r *Registry) CreateTTS(name string, settings ProviderSettings) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, name)
	}
	return factory(settings)
}

// CreateVAD instantiates a VAD engine using the factory registered under name.
func (r *Registry) CreateVAD(name string, settings ProviderSettings) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, name)
	}
	return factory(settings)
}
