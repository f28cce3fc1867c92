package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/vocero-ai/vocero/internal/mcp"
)

// ValidProviderNames lists known provider names per port kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "groq", "anthropic", "gemini", "mistral", "deepseek", "ollama"},
	"stt": {"deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. Occurrences of ${VAR} in the file are
// replaced with the value of the environment variable VAR before decoding,
// so credentials never have to live in the file itself.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, applies defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), os.Getenv)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Server.MediaPath == "" {
		cfg.Server.MediaPath = "/media"
	}
	if cfg.Server.HealthAddr == "" {
		cfg.Server.HealthAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownGraceMs == 0 {
		cfg.Server.ShutdownGraceMs = 10000
	}

	d := &cfg.Defaults
	if d.LLM.FirstMessageMode == "" {
		d.LLM.FirstMessageMode = FirstMessageWait
	}
	if d.LLM.ContextWindow == 0 {
		d.LLM.ContextWindow = 20
	}
	if d.VAD.Engine == "" {
		d.VAD.Engine = "energy"
	}
	if d.VAD.Threshold == 0 {
		d.VAD.Threshold = 0.5
	}
	if d.VAD.ConfirmationMs == 0 {
		d.VAD.ConfirmationMs = 200
	}
	if d.Style.Pacing == "" {
		d.Style.Pacing = PacingModerate
	}
	if d.Interruption.Enabled == nil {
		enabled := true
		d.Interruption.Enabled = &enabled
	}
	if d.Session.IdleTimeoutMs == 0 {
		d.Session.IdleTimeoutMs = 5000
	}
	if d.Session.InactivityMaxRetries == 0 {
		d.Session.InactivityMaxRetries = 2
	}
	if d.Session.MaxDurationS == 0 {
		d.Session.MaxDurationS = 600
	}

	if cfg.Pipeline.QueueCapacity == 0 {
		cfg.Pipeline.QueueCapacity = 32
	}
	if cfg.Tools.TimeoutMs == 0 {
		cfg.Tools.TimeoutMs = 10000
	}
	if cfg.History.Driver == "" {
		cfg.History.Driver = "none"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownGraceMs < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_grace_ms %d must not be negative", cfg.Server.ShutdownGraceMs))
	}

	d := cfg.Defaults

	// Pipeline stages must be fully selected: a call cannot run without all
	// three ports.
	if d.LLM.Provider == "" {
		errs = append(errs, errors.New("defaults.llm.provider is required"))
	}
	if d.STT.Provider == "" {
		errs = append(errs, errors.New("defaults.stt.provider is required"))
	}
	if d.TTS.Provider == "" {
		errs = append(errs, errors.New("defaults.tts.provider is required"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", d.LLM.Provider)
	validateProviderName("stt", d.STT.Provider)
	validateProviderName("tts", d.TTS.Provider)
	validateProviderName("vad", d.VAD.Engine)
	for _, fb := range d.LLM.Fallbacks {
		validateProviderName("llm", fb.Provider)
	}
	for _, fb := range d.STT.Fallbacks {
		validateProviderName("stt", fb.Provider)
	}
	for _, fb := range d.TTS.Fallbacks {
		validateProviderName("tts", fb.Provider)
	}

	// Credentials cross-check: every selected provider should have a
	// providers{} entry. Missing entries are a warning, not an error, because
	// some providers (coqui, ollama, whisper-native, energy) run without keys.
	for _, name := range selectedProviders(&d) {
		if _, ok := cfg.Providers[name]; !ok {
			slog.Warn("provider selected but has no providers{} settings entry",
				"name", name,
			)
		}
	}

	// LLM
	if d.LLM.Temperature < 0 || d.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("defaults.llm.temperature %.2f is out of range [0, 2]", d.LLM.Temperature))
	}
	if d.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("defaults.llm.max_tokens %d must not be negative", d.LLM.MaxTokens))
	}
	if !d.LLM.FirstMessageMode.IsValid() {
		errs = append(errs, fmt.Errorf("defaults.llm.first_message_mode %q is invalid; valid values: wait, speak-first", d.LLM.FirstMessageMode))
	}
	if d.LLM.FirstMessageMode == FirstMessageSpeakFirst && d.LLM.FirstMessage == "" {
		errs = append(errs, errors.New("defaults.llm.first_message is required when first_message_mode is speak-first"))
	}
	if d.LLM.ContextWindow < 1 {
		errs = append(errs, fmt.Errorf("defaults.llm.context_window %d must be at least 1", d.LLM.ContextWindow))
	}

	// TTS knobs
	if d.TTS.Speed != 0 && (d.TTS.Speed < 0.5 || d.TTS.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("defaults.tts.speed %.2f is out of range [0.5, 2.0]", d.TTS.Speed))
	}
	if d.TTS.Pitch != 0 && (d.TTS.Pitch < 0.5 || d.TTS.Pitch > 2.0) {
		errs = append(errs, fmt.Errorf("defaults.tts.pitch %.2f is out of range [0.5, 2.0]", d.TTS.Pitch))
	}
	if d.TTS.Volume < 0 || d.TTS.Volume > 2 {
		errs = append(errs, fmt.Errorf("defaults.tts.volume %.2f is out of range [0, 2]", d.TTS.Volume))
	}
	if d.TTS.StyleDegree < 0 || d.TTS.StyleDegree > 1 {
		errs = append(errs, fmt.Errorf("defaults.tts.style_degree %.2f is out of range [0, 1]", d.TTS.StyleDegree))
	}

	// VAD
	if d.VAD.Threshold < 0 || d.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("defaults.vad.threshold %.2f is out of range [0, 1]", d.VAD.Threshold))
	}
	if d.VAD.SilenceThresholdMs < 0 {
		errs = append(errs, fmt.Errorf("defaults.vad.silence_threshold_ms %d must not be negative", d.VAD.SilenceThresholdMs))
	}
	if d.VAD.ConfirmationMs < 0 {
		errs = append(errs, fmt.Errorf("defaults.vad.confirmation_ms %d must not be negative", d.VAD.ConfirmationMs))
	}

	// Style
	if !d.Style.Pacing.IsValid() {
		errs = append(errs, fmt.Errorf("defaults.style.pacing %q is invalid; valid values: slow, moderate, fast", d.Style.Pacing))
	}

	// Interruption
	if d.Interruption.MinWords < 0 {
		errs = append(errs, fmt.Errorf("defaults.interruption.min_words %d must not be negative", d.Interruption.MinWords))
	}

	// Session
	if d.Session.IdleTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("defaults.session.idle_timeout_ms %d must not be negative", d.Session.IdleTimeoutMs))
	}
	if d.Session.InactivityMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("defaults.session.inactivity_max_retries %d must not be negative", d.Session.InactivityMaxRetries))
	}
	if d.Session.MaxDurationS < 1 {
		errs = append(errs, fmt.Errorf("defaults.session.max_duration_s %d must be at least 1", d.Session.MaxDurationS))
	}

	// Voice behaviour
	if d.Voice.FillerInjection && len(d.Voice.Fillers) == 0 {
		errs = append(errs, errors.New("defaults.voice.fillers must list at least one filler when filler_injection is enabled"))
	}

	// Pipeline
	if cfg.Pipeline.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("pipeline.queue_capacity %d must be at least 1", cfg.Pipeline.QueueCapacity))
	}

	// Tools
	if cfg.Tools.TimeoutMs < 1 {
		errs = append(errs, fmt.Errorf("tools.timeout_ms %d must be at least 1", cfg.Tools.TimeoutMs))
	}
	toolNamesSeen := make(map[string]int, len(cfg.Tools.Schema))
	for i, tool := range cfg.Tools.Schema {
		prefix := fmt.Sprintf("tools.schema[%d]", i)
		if tool.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := toolNamesSeen[tool.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.schema[%d]", prefix, tool.Name, prev))
		}
		toolNamesSeen[tool.Name] = i
		if tool.Name == "dblookup" && tool.Query == "" {
			errs = append(errs, fmt.Errorf("%s: dblookup requires a query", prefix))
		}
	}
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// History
	switch cfg.History.Driver {
	case "none":
	case "postgres":
		if cfg.History.DSN == "" {
			errs = append(errs, errors.New("history.dsn is required when history.driver is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.driver %q is invalid; valid values: postgres, none", cfg.History.Driver))
	}

	return errors.Join(errs...)
}

// selectedProviders returns every provider name the defaults reference,
// primaries and fallbacks alike, deduplicated in first-seen order.
func selectedProviders(d *DefaultsConfig) []string {
	var names []string
	add := func(name string) {
		if name != "" && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	add(d.LLM.Provider)
	add(d.STT.Provider)
	add(d.TTS.Provider)
	for _, fb := range d.LLM.Fallbacks {
		add(fb.Provider)
	}
	for _, fb := range d.STT.Fallbacks {
		add(fb.Provider)
	}
	for _, fb := range d.TTS.Fallbacks {
		add(fb.Provider)
	}
	return names
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
