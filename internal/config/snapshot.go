package config

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Snapshot is the immutable per-call parameter set. It is taken once at
// session start via [Repository.Load] and never changes for the lifetime of
// the call; mid-call configuration changes apply to the next call only.
//
// All derived values (pacing rescales, interruption default) are resolved at
// snapshot time so the pipeline never consults raw configuration.
type Snapshot struct {
	CallID string

	LLM          LLMParams
	STT          STTParams
	TTS          TTSParams
	VAD          VADParams
	Style        StyleParams
	Interruption InterruptionParams
	Session      SessionParams
	Voice        VoiceParams

	// HallucinationBlacklist lists transcripts to discard on STT finals.
	HallucinationBlacklist []string

	// DynamicVars are the {{name}} substitutions applied to the system
	// prompt and first message at session start.
	DynamicVars map[string]string

	// QueueCapacity is the bounded capacity of every inter-stage frame queue.
	QueueCapacity int
}

// LLMParams are the resolved language-model parameters for one call.
type LLMParams struct {
	Provider         string
	Model            string
	Temperature      float64
	MaxTokens        int
	SystemPrompt     string
	FirstMessage     string
	FirstMessageMode FirstMessageMode
	ContextWindow    int
	Fallbacks        []FallbackRef
}

// STTParams are the resolved speech-to-text parameters for one call.
type STTParams struct {
	Provider         string
	Language         string
	AppendLateFinals bool
	Fallbacks        []FallbackRef
}

// TTSParams are the resolved synthesis parameters for one call.
type TTSParams struct {
	Provider    string
	Voice       string
	Language    string
	Speed       float64
	Pitch       float64
	Volume      float64
	Style       string
	StyleDegree float64
	Fallbacks   []FallbackRef
}

// VADParams are the resolved turn-detection parameters for one call.
// SilenceThresholdMs is already rescaled by pacing when the configuration
// left it unset.
type VADParams struct {
	Engine             string
	Threshold          float64
	SilenceThresholdMs int
	ConfirmationMs     int
}

// StyleParams shape the assistant's delivery. InterSentenceDelayMs is the
// pacing-derived pause between spoken sentences.
type StyleParams struct {
	ResponseLength       string
	Tone                 string
	Formality            string
	Pacing               Pacing
	InterSentenceDelayMs int
}

// InterruptionParams control caller barge-in for one call.
type InterruptionParams struct {
	Enabled  bool
	MinWords int
}

// SessionParams bound the call lifecycle.
type SessionParams struct {
	IdleTimeoutMs        int
	IdleMessage          string
	InactivityMaxRetries int
	MaxDurationS         int
	FallbackUtterance    string
}

// VoiceParams hold provider-independent speech-delivery behaviour.
type VoiceParams struct {
	FillerInjection bool
	Fillers         []string
	BackgroundSound string
}

// Repository resolves the parameter snapshot for a call. Implementations
// must be safe for concurrent use; Load is called once per call, off the
// audio hot path.
type Repository interface {
	Load(ctx context.Context, callID string) (Snapshot, error)
}

// StaticRepository serves every call from the configuration's defaults
// block. It is the default [Repository]; deployments with per-call
// parameters plug in their own implementation.
type StaticRepository struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStaticRepository returns a [StaticRepository] over cfg. cfg must
// already be validated and default-filled (see [Load]).
func NewStaticRepository(cfg *Config) *StaticRepository {
	return &StaticRepository{cfg: cfg}
}

// Load implements [Repository].
func (r *StaticRepository) Load(_ context.Context, callID string) (Snapshot, error) {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()
	return NewSnapshot(callID, cfg), nil
}

// Update swaps the config served to subsequent calls, typically from a
// [Watcher] callback after a reload. Calls already running keep the snapshot
// they were started with.
func (r *StaticRepository) Update(cfg *Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// NewSnapshot resolves cfg's defaults block into the immutable parameter set
// for one call. Pacing rescales the VAD silence threshold (when unset) and
// fixes the inter-sentence delay; the interruption gate defaults to enabled.
func NewSnapshot(callID string, cfg *Config) Snapshot {
	d := cfg.Defaults

	silenceMs := d.VAD.SilenceThresholdMs
	if silenceMs == 0 {
		silenceMs = d.Style.Pacing.SilenceThresholdMs()
	}

	interruptionEnabled := true
	if d.Interruption.Enabled != nil {
		interruptionEnabled = *d.Interruption.Enabled
	}

	return Snapshot{
		CallID: callID,
		LLM: LLMParams{
			Provider:         d.LLM.Provider,
			Model:            d.LLM.Model,
			Temperature:      d.LLM.Temperature,
			MaxTokens:        d.LLM.MaxTokens,
			SystemPrompt:     d.LLM.SystemPrompt,
			FirstMessage:     d.LLM.FirstMessage,
			FirstMessageMode: d.LLM.FirstMessageMode,
			ContextWindow:    d.LLM.ContextWindow,
			Fallbacks:        slices.Clone(d.LLM.Fallbacks),
		},
		STT: STTParams{
			Provider:         d.STT.Provider,
			Language:         d.STT.Language,
			AppendLateFinals: d.STT.AppendLateFinals,
			Fallbacks:        slices.Clone(d.STT.Fallbacks),
		},
		TTS: TTSParams{
			Provider:    d.TTS.Provider,
			Voice:       d.TTS.Voice,
			Language:    d.TTS.Language,
			Speed:       d.TTS.Speed,
			Pitch:       d.TTS.Pitch,
			Volume:      d.TTS.Volume,
			Style:       d.TTS.Style,
			StyleDegree: d.TTS.StyleDegree,
			Fallbacks:   slices.Clone(d.TTS.Fallbacks),
		},
		VAD: VADParams{
			Engine:             d.VAD.Engine,
			Threshold:          d.VAD.Threshold,
			SilenceThresholdMs: silenceMs,
			ConfirmationMs:     d.VAD.ConfirmationMs,
		},
		Style: StyleParams{
			ResponseLength:       d.Style.ResponseLength,
			Tone:                 d.Style.Tone,
			Formality:            d.Style.Formality,
			Pacing:               d.Style.Pacing,
			InterSentenceDelayMs: d.Style.Pacing.InterSentenceDelayMs(),
		},
		Interruption: InterruptionParams{
			Enabled:  interruptionEnabled,
			MinWords: d.Interruption.MinWords,
		},
		Session: SessionParams{
			IdleTimeoutMs:        d.Session.IdleTimeoutMs,
			IdleMessage:          d.Session.IdleMessage,
			InactivityMaxRetries: d.Session.InactivityMaxRetries,
			MaxDurationS:         d.Session.MaxDurationS,
			FallbackUtterance:    d.Session.FallbackUtterance,
		},
		Voice: VoiceParams{
			FillerInjection: d.Voice.FillerInjection,
			Fillers:         slices.Clone(d.Voice.Fillers),
			BackgroundSound: d.Voice.BackgroundSound,
		},
		HallucinationBlacklist: slices.Clone(d.HallucinationBlacklist),
		DynamicVars:            maps.Clone(d.DynamicVars),
		QueueCapacity:          cfg.Pipeline.QueueCapacity,
	}
}
