// Command vocero is the main entry point for the Vocero voice call server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/vocero-ai/vocero/internal/app"
	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/pkg/provider/llm"
	"github.com/vocero-ai/vocero/pkg/provider/llm/anyllm"
	oaillm "github.com/vocero-ai/vocero/pkg/provider/llm/openai"
	"github.com/vocero-ai/vocero/pkg/provider/stt"
	"github.com/vocero-ai/vocero/pkg/provider/stt/deepgram"
	"github.com/vocero-ai/vocero/pkg/provider/stt/whisper"
	"github.com/vocero-ai/vocero/pkg/provider/tts"
	"github.com/vocero-ai/vocero/pkg/provider/tts/coqui"
	"github.com/vocero-ai/vocero/pkg/provider/tts/elevenlabs"
	"github.com/vocero-ai/vocero/pkg/provider/vad"
	"github.com/vocero-ai/vocero/pkg/provider/vad/energy"
)

// groqBaseURL is the OpenAI-compatible endpoint of the Groq cloud.
const groqBaseURL = "https://api.groq.com/openai/v1"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional dotenv file loaded before the config")
	flag.Parse()

	// ── Environment + configuration ────────────────────────────────────────────
	// The dotenv file feeds the ${VAR} references inside the YAML; a missing
	// file is fine.
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "vocero: load %s: %v\n", *envPath, err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocero: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocero: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vocero starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "vocero",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	grace := 15 * time.Second
	if cfg.Server.ShutdownGraceMs > 0 {
		grace = time.Duration(cfg.Server.ShutdownGraceMs) * time.Millisecond
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Vocero. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "groq", "anthropic", "gemini", "mistral", "deepseek", "ollama"},
	"stt": {"deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderSettings block and constructs the
// appropriate adapter from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai and groq talk the OpenAI wire protocol natively; groq only
	// differs in its base URL.
	reg.RegisterLLM("openai", func(s config.ProviderSettings) (llm.Provider, error) {
		var opts []oaillm.Option
		if s.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(s.BaseURL))
		}
		return oaillm.New(s.APIKey, s.Model, opts...)
	})
	reg.RegisterLLM("groq", func(s config.ProviderSettings) (llm.Provider, error) {
		base := s.BaseURL
		if base == "" {
			base = groqBaseURL
		}
		return oaillm.New(s.APIKey, s.Model, oaillm.WithBaseURL(base))
	})

	// The remaining clouds go through the any-llm shim: optional APIKey +
	// optional BaseURL. ollama is a local server and only uses BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "mistral", "deepseek", "ollama",
	} {
		reg.RegisterLLM(providerName, func(s config.ProviderSettings) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if s.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(s.APIKey))
			}
			if s.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(s.BaseURL))
			}
			return anyllm.New(providerName, s.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(s config.ProviderSettings) (stt.Provider, error) {
		var opts []deepgram.Option
		if s.Model != "" {
			opts = append(opts, deepgram.WithModel(s.Model))
		}
		if lang := optString(s.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := optInt(s.Options, "endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		return deepgram.New(s.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(s config.ProviderSettings) (stt.Provider, error) {
		var opts []whisper.Option
		if s.Model != "" {
			opts = append(opts, whisper.WithModel(s.Model))
		}
		if lang := optString(s.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(s.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(s config.ProviderSettings) (stt.Provider, error) {
		modelPath := s.Model
		if modelPath == "" {
			modelPath = optString(s.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(s.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(s config.ProviderSettings) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if s.Model != "" {
			opts = append(opts, elevenlabs.WithModel(s.Model))
		}
		if outputFmt := optString(s.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(s.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(s config.ProviderSettings) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(s.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(s.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(s.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderSettings) (vad.Engine, error) {
		return energy.New(), nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	d := cfg.Defaults
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Vocero — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", d.LLM.Provider, d.LLM.Model)
	printProvider("STT", d.STT.Provider, "")
	printProvider("TTS", d.TTS.Provider, d.TTS.Voice)
	printProvider("VAD", d.VAD.Engine, "")
	fmt.Printf("║  Fallbacks       : %-19d ║\n",
		len(d.LLM.Fallbacks)+len(d.STT.Fallbacks)+len(d.TTS.Fallbacks))
	fmt.Printf("║  Tools           : %-19d ║\n", len(cfg.Tools.Schema))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.Tools.MCPServers))
	printField("History", cfg.History.Driver)
	printField("Media addr", cfg.Server.ListenAddr)
	printField("Ops addr", cfg.Server.HealthAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printField(kind, value)
}

func printField(kind, value string) {
	if value == "" {
		value = "—"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int; anything else yields 0.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
