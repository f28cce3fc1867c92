// Package config provides the configuration schema, loader, per-call
// parameter snapshots, and the provider registry for the Vocero call engine.
package config

import "github.com/vocero-ai/vocero/internal/mcp"

// LogLevel controls log verbosity for the Vocero server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// FirstMessageMode selects how a call opens.
type FirstMessageMode string

const (
	// FirstMessageWait keeps the assistant silent until the caller speaks.
	FirstMessageWait FirstMessageMode = "wait"

	// FirstMessageSpeakFirst plays llm.first_message through TTS before
	// listening.
	FirstMessageSpeakFirst FirstMessageMode = "speak-first"
)

// IsValid reports whether m is a recognised first-message mode.
func (m FirstMessageMode) IsValid() bool {
	return m == FirstMessageWait || m == FirstMessageSpeakFirst
}

// Pacing adjusts the conversational rhythm of a call. It rescales the VAD
// silence threshold and the delay inserted between spoken sentences.
type Pacing string

const (
	PacingSlow     Pacing = "slow"
	PacingModerate Pacing = "moderate"
	PacingFast     Pacing = "fast"
)

// IsValid reports whether p is a recognised pacing value.
func (p Pacing) IsValid() bool {
	switch p {
	case PacingSlow, PacingModerate, PacingFast:
		return true
	}
	return false
}

// SilenceThresholdMs returns the turn-end silence window for p.
func (p Pacing) SilenceThresholdMs() int {
	switch p {
	case PacingSlow:
		return 800
	case PacingFast:
		return 300
	default:
		return 500
	}
}

// InterSentenceDelayMs returns the pause inserted between synthesized
// sentences for p.
func (p Pacing) InterSentenceDelayMs() int {
	switch p {
	case PacingSlow:
		return 250
	case PacingFast:
		return 40
	default:
		return 120
	}
}

// Config is the root configuration structure for Vocero.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig                `yaml:"server"`
	Defaults  DefaultsConfig              `yaml:"defaults"`
	Pipeline  PipelineConfig              `yaml:"pipeline"`
	Providers map[string]ProviderSettings `yaml:"providers"`
	Tools     ToolsConfig                 `yaml:"tools"`
	History   HistoryConfig               `yaml:"history"`
}

// ServerConfig holds network and logging settings for the Vocero server.
type ServerConfig struct {
	// ListenAddr is the TCP address the media WebSocket server listens on
	// (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// MediaPath is the HTTP path accepting media-stream WebSocket upgrades.
	MediaPath string `yaml:"media_path"`

	// HealthAddr is the TCP address of the ops listener serving /healthz,
	// /readyz, and /metrics.
	HealthAddr string `yaml:"health_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownGraceMs bounds how long in-flight calls may drain on shutdown.
	ShutdownGraceMs int `yaml:"shutdown_grace_ms"`
}

// DefaultsConfig is the session parameter block applied to every call unless
// an external repository overrides it per call.
type DefaultsConfig struct {
	LLM          LLMConfig          `yaml:"llm"`
	STT          STTConfig          `yaml:"stt"`
	TTS          TTSConfig          `yaml:"tts"`
	VAD          VADConfig          `yaml:"vad"`
	Style        StyleConfig        `yaml:"style"`
	Interruption InterruptionConfig `yaml:"interruption"`
	Session      SessionConfig      `yaml:"session"`
	Voice        VoiceConfig        `yaml:"voice"`

	// HallucinationBlacklist lists transcripts to discard when an STT final
	// matches exactly or phonetically (common model hallucinations such as
	// "thank you for watching").
	HallucinationBlacklist []string `yaml:"hallucination_blacklist"`

	// DynamicVars are substituted into the system prompt and first message
	// wherever {{name}} appears. An external repository may supply per-call
	// values (caller name, account data).
	DynamicVars map[string]string `yaml:"dynamic_vars"`
}

// FallbackRef names a provider to fail over to when the primary's circuit
// opens. Model applies to LLM and STT fallbacks, Voice to TTS fallbacks.
type FallbackRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Voice    string `yaml:"voice"`
}

// LLMConfig selects and parameterises the language-model stage.
type LLMConfig struct {
	// Provider selects the registered LLM implementation (e.g., "openai").
	Provider string `yaml:"provider"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Temperature is the sampling temperature in [0, 2]. 0 means provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the completion length. 0 means provider default.
	MaxTokens int `yaml:"max_tokens"`

	// SystemPrompt is the assistant persona and instruction block.
	SystemPrompt string `yaml:"system_prompt"`

	// FirstMessage is spoken on connect when FirstMessageMode is "speak-first".
	FirstMessage string `yaml:"first_message"`

	// FirstMessageMode selects how the call opens. Defaults to "wait".
	FirstMessageMode FirstMessageMode `yaml:"first_message_mode"`

	// ContextWindow caps how many recent messages each request carries.
	// The system prompt is always included on top. Defaults to 20.
	ContextWindow int `yaml:"context_window"`

	// Fallbacks are tried in order when the primary provider's circuit opens.
	Fallbacks []FallbackRef `yaml:"fallbacks"`
}

// STTConfig selects and parameterises the speech-to-text stage.
type STTConfig struct {
	// Provider selects the registered STT implementation (e.g., "deepgram").
	Provider string `yaml:"provider"`

	// Language is the BCP-47 language hint passed to the provider.
	Language string `yaml:"language"`

	// AppendLateFinals controls whether finals arriving after a barge-in
	// tear-down are appended to the next turn. Default is to suppress them.
	AppendLateFinals bool `yaml:"append_late_finals"`

	Fallbacks []FallbackRef `yaml:"fallbacks"`
}

// TTSConfig selects and parameterises the synthesis stage.
type TTSConfig struct {
	// Provider selects the registered TTS implementation (e.g., "elevenlabs").
	Provider string `yaml:"provider"`

	// Voice is the provider-specific voice identifier.
	Voice string `yaml:"voice"`

	// Language hints the synthesis language for multilingual voices.
	Language string `yaml:"language"`

	// Speed adjusts speaking rate in [0.5, 2.0]. 0 means voice default.
	Speed float64 `yaml:"speed"`

	// Pitch adjusts voice pitch in [0.5, 2.0]. 0 means voice default.
	Pitch float64 `yaml:"pitch"`

	// Volume scales output gain in [0, 2]. 0 means unity.
	Volume float64 `yaml:"volume"`

	// Style names a provider-specific speaking style.
	Style string `yaml:"style"`

	// StyleDegree sets style exaggeration in [0, 1].
	StyleDegree float64 `yaml:"style_degree"`

	Fallbacks []FallbackRef `yaml:"fallbacks"`
}

// VADConfig parameterises voice-activity detection and turn-end detection.
type VADConfig struct {
	// Engine selects the registered VAD implementation. Defaults to "energy".
	Engine string `yaml:"engine"`

	// Threshold is the speech-score cutoff in [0, 1]. Defaults to 0.5.
	Threshold float64 `yaml:"threshold"`

	// SilenceThresholdMs is the continuous-silence window that ends a user
	// turn. 0 means derive from style.pacing (800/500/300 ms).
	SilenceThresholdMs int `yaml:"silence_threshold_ms"`

	// ConfirmationMs is the continuous-speech window that starts a user
	// turn. Defaults to 200.
	ConfirmationMs int `yaml:"confirmation_ms"`
}

// StyleConfig shapes the assistant's response style. ResponseLength, Tone,
// and Formality become directives appended to the system prompt; Pacing
// additionally rescales timing (see [Pacing]).
type StyleConfig struct {
	ResponseLength string `yaml:"response_length"`
	Tone           string `yaml:"tone"`
	Formality      string `yaml:"formality"`
	Pacing         Pacing `yaml:"pacing"`
}

// InterruptionConfig controls caller barge-in handling.
type InterruptionConfig struct {
	// Enabled gates barge-in entirely. Defaults to true; set to false to let
	// the assistant always finish speaking.
	Enabled *bool `yaml:"enabled"`

	// MinWords is the minimum number of recognized words in the overlapping
	// partial transcript before speech counts as an interruption.
	MinWords int `yaml:"min_words"`
}

// SessionConfig bounds the call lifecycle.
type SessionConfig struct {
	// IdleTimeoutMs is the silence window after which the assistant prompts
	// the caller. Defaults to 5000.
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`

	// IdleMessage is spoken on idle timeout.
	IdleMessage string `yaml:"idle_message"`

	// InactivityMaxRetries is how many idle prompts are played before the
	// call ends gracefully. Defaults to 2.
	InactivityMaxRetries int `yaml:"inactivity_max_retries"`

	// MaxDurationS hard-caps the call length. Defaults to 600.
	MaxDurationS int `yaml:"max_duration_s"`

	// FallbackUtterance is spoken before hanging up on a non-retryable
	// pipeline error, when synthesis is still usable.
	FallbackUtterance string `yaml:"fallback_utterance"`
}

// VoiceConfig holds speech-delivery behaviour that is independent of the
// synthesis provider.
type VoiceConfig struct {
	// FillerInjection enables prefixing occasional sentences with a filler
	// word to mask synthesis latency. Off by default.
	FillerInjection bool `yaml:"filler_injection"`

	// Fillers lists the candidate filler words (e.g., "well,", "so,").
	Fillers []string `yaml:"fillers"`

	// BackgroundSound is the path to a 16-bit mono PCM or WAV file looped
	// while a slow tool call keeps the caller waiting.
	BackgroundSound string `yaml:"background_sound"`
}

// PipelineConfig tunes the frame pipeline.
type PipelineConfig struct {
	// QueueCapacity is the bounded capacity of every inter-stage frame
	// queue. Defaults to 32.
	QueueCapacity int `yaml:"queue_capacity"`
}

// ProviderSettings is the credential and endpoint block for one named
// provider. The map key under providers{} selects which registered factory
// the settings are handed to.
type ProviderSettings struct {
	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model is the default model for this provider, used when the session
	// parameters do not pin one.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above. Values may be strings, numbers, booleans,
	// or nested maps.
	Options map[string]any `yaml:"options"`
}

// ToolsConfig declares the tools offered to the language model.
type ToolsConfig struct {
	// TimeoutMs bounds each tool invocation. Defaults to 10000.
	TimeoutMs int `yaml:"timeout_ms"`

	// Schema lists tool definitions offered to the LLM, including builtin
	// tools ("dblookup", "end_call") and tools served by MCP servers.
	Schema []ToolSchema `yaml:"schema"`

	// MCPServers lists external Model Context Protocol tool servers.
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`

	// DBLookupDSN is the PostgreSQL connection string used by the builtin
	// dblookup tool. Empty disables the tool.
	DBLookupDSN string `yaml:"dblookup_dsn"`
}

// ToolSchema describes one tool in the shape the LLM expects.
type ToolSchema struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Parameters is a JSON-schema object describing the tool arguments.
	Parameters map[string]any `yaml:"parameters"`

	// Query is the parameterized SQL statement run by the builtin dblookup
	// tool when Name selects it. Ignored for other tools.
	Query string `yaml:"query"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport mcp.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is
	// "streamable-http". Ignored for stdio transport.
	URL string `yaml:"url"`

	// Token is a static Bearer token sent with every request to a
	// streamable-http server. Ignored for stdio transport.
	Token string `yaml:"token"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// HistoryConfig selects the conversation history sink.
type HistoryConfig struct {
	// Driver is "postgres" or "none". Defaults to "none".
	Driver string `yaml:"driver"`

	// DSN is the PostgreSQL connection string, required when Driver is
	// "postgres".
	DSN string `yaml:"dsn"`
}
