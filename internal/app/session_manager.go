package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/mcp"
	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/internal/resilience"
	"github.com/vocero-ai/vocero/internal/session"
	"github.com/vocero-ai/vocero/internal/transport"
	"github.com/vocero-ai/vocero/pkg/history"
	"github.com/vocero-ai/vocero/pkg/provider/llm"
	"github.com/vocero-ai/vocero/pkg/provider/stt"
	"github.com/vocero-ai/vocero/pkg/provider/tts"
)

// forcedDrainTimeout bounds the wait for sessions after they have been told
// to stop. Root cancellation propagates through a session's worker tree
// within half a second; this allows a margin on top.
const forcedDrainTimeout = 2 * time.Second

// SessionManagerConfig holds the shared collaborators every call is served
// from. All fields except Tools and History are required.
type SessionManagerConfig struct {
	Registry   *config.Registry
	Repository config.Repository

	// Providers is the credential block from the configuration, keyed by
	// provider name. Read-only after start.
	Providers map[string]config.ProviderSettings

	Tools   mcp.Host
	History history.Store
	Metrics *observe.Metrics
	Logger  *slog.Logger

	// HoldAudio is pipeline-rate PCM looped during slow tool calls.
	HoldAudio []byte
}

// SessionManager turns accepted media connections into running call
// sessions: per call it loads the parameter snapshot, instantiates the
// provider adapters behind their fallback wrappers, and drives the session
// to completion. All exported methods are safe for concurrent use.
type SessionManager struct {
	registry  *config.Registry
	repo      config.Repository
	providers map[string]config.ProviderSettings
	tools     mcp.Host
	histStore history.Store
	metrics   *observe.Metrics
	log       *slog.Logger
	hold      []byte

	// quit force-cancels every active call during shutdown.
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		registry:  cfg.Registry,
		repo:      cfg.Repository,
		providers: cfg.Providers,
		tools:     cfg.Tools,
		histStore: cfg.History,
		metrics:   m,
		log:       log,
		hold:      cfg.HoldAudio,
		quit:      make(chan struct{}),
	}
}

// HandleCall serves one accepted media connection for its full lifetime.
// It is the [transport.HandlerFunc] mounted on the media server; the
// connection is closed before it returns.
func (sm *SessionManager) HandleCall(ctx context.Context, conn *transport.Conn) {
	defer conn.Close()

	callID := conn.CallID()
	if callID == "" {
		callID = uuid.NewString()
	}
	log := sm.log.With(slog.String("call_id", callID))

	select {
	case <-sm.quit:
		log.Warn("call rejected, shutting down")
		return
	default:
	}

	snap, err := sm.repo.Load(ctx, callID)
	if err != nil {
		log.Error("load call parameters", slog.Any("err", err))
		return
	}

	ports, err := sm.buildPorts(snap)
	if err != nil {
		log.Error("build provider ports", slog.Any("err", err))
		return
	}

	sess, err := session.New(snap, ports, conn, session.Options{
		Logger:    sm.log,
		Metrics:   sm.metrics,
		HoldAudio: sm.hold,
	})
	if err != nil {
		log.Error("create session", slog.Any("err", err))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sm.quit:
			cancel()
		case <-runCtx.Done():
		}
	}()

	sm.wg.Add(1)
	defer sm.wg.Done()

	if err := sess.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("session ended with error", slog.Any("err", err))
	}
}

// buildPorts instantiates the per-call provider adapters. Each port's
// primary and fallbacks get fresh adapter values wrapped in a fallback group
// whose activations feed the fallback metric.
func (sm *SessionManager) buildPorts(snap config.Snapshot) (session.Ports, error) {
	var ports session.Ports

	vadEngine, err := sm.registry.CreateVAD(snap.VAD.Engine, sm.settings(snap.VAD.Engine))
	if err != nil {
		return ports, fmt.Errorf("vad: %w", err)
	}
	ports.VAD = vadEngine

	sttPrimary, err := sm.createSTT(snap.STT.Provider, "")
	if err != nil {
		return ports, fmt.Errorf("stt: %w", err)
	}
	sttPort := resilience.NewSTTFallback(sttPrimary, snap.STT.Provider, sm.fallbackConfig("stt"))
	for _, ref := range snap.STT.Fallbacks {
		p, err := sm.createSTT(ref.Provider, ref.Model)
		if err != nil {
			return ports, fmt.Errorf("stt fallback %q: %w", ref.Provider, err)
		}
		sttPort.AddFallback(ref.Provider, p)
	}
	ports.STT = sttPort

	llmPrimary, err := sm.createLLM(snap.LLM.Provider, snap.LLM.Model)
	if err != nil {
		return ports, fmt.Errorf("llm: %w", err)
	}
	llmPort := resilience.NewLLMFallback(llmPrimary, snap.LLM.Provider, sm.fallbackConfig("llm"))
	for _, ref := range snap.LLM.Fallbacks {
		p, err := sm.createLLM(ref.Provider, ref.Model)
		if err != nil {
			return ports, fmt.Errorf("llm fallback %q: %w", ref.Provider, err)
		}
		llmPort.AddFallback(ref.Provider, p)
	}
	ports.LLM = llmPort

	ttsPrimary, err := sm.createTTS(snap.TTS.Provider, "")
	if err != nil {
		return ports, fmt.Errorf("tts: %w", err)
	}
	ttsPort := resilience.NewTTSFallback(ttsPrimary, snap.TTS.Provider, sm.fallbackConfig("tts"))
	for _, ref := range snap.TTS.Fallbacks {
		p, err := sm.createTTS(ref.Provider, ref.Model)
		if err != nil {
			return ports, fmt.Errorf("tts fallback %q: %w", ref.Provider, err)
		}
		if ref.Voice != "" {
			p = voiceOverride{Provider: p, voice: ref.Voice}
		}
		ttsPort.AddFallback(ref.Provider, p)
	}
	ports.TTS = ttsPort

	ports.Tools = sm.tools
	ports.History = sm.histStore
	return ports, nil
}

// Probe verifies that every provider the current parameter set names can be
// instantiated. Adapter constructors are connectionless, so this is cheap
// enough for a readiness endpoint.
func (sm *SessionManager) Probe(ctx context.Context) error {
	snap, err := sm.repo.Load(ctx, "readiness-probe")
	if err != nil {
		return err
	}
	_, err = sm.buildPorts(snap)
	return err
}

// Shutdown waits for active calls to end. When ctx expires first, the
// remaining sessions are force-cancelled and given a short window to
// unwind before giving up.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	// Grace expired: force-cancel the remaining sessions and give their
	// worker trees a moment to unwind.
	sm.quitOnce.Do(func() { close(sm.quit) })
	select {
	case <-done:
		return nil
	case <-time.After(forcedDrainTimeout):
		return fmt.Errorf("app: sessions still active after forced drain: %w", ctx.Err())
	}
}

// settings returns the credential block for a provider name, or a zero
// value when the configuration has none.
func (sm *SessionManager) settings(name string) config.ProviderSettings {
	return sm.providers[name]
}

// createLLM builds one adapter with the call's model overriding the
// provider's configured default.
func (sm *SessionManager) createLLM(name, model string) (llm.Provider, error) {
	s := sm.settings(name)
	if model != "" {
		s.Model = model
	}
	return sm.registry.CreateLLM(name, s)
}

func (sm *SessionManager) createSTT(name, model string) (stt.Provider, error) {
	s := sm.settings(name)
	if model != "" {
		s.Model = model
	}
	return sm.registry.CreateSTT(name, s)
}

func (sm *SessionManager) createTTS(name, model string) (tts.Provider, error) {
	s := sm.settings(name)
	if model != "" {
		s.Model = model
	}
	return sm.registry.CreateTTS(name, s)
}

// fallbackConfig wires a port's fallback activations into the metric.
func (sm *SessionManager) fallbackConfig(port string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		OnActivate: func(from, to string) {
			sm.metrics.RecordFallback(context.Background(), port, from, to)
		},
	}
}

// voiceOverride pins a fallback synthesis provider to its configured voice,
// replacing the primary's voice id carried in the request.
type voiceOverride struct {
	tts.Provider
	voice string
}

func (v voiceOverride) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.AudioChunk, error) {
	req.Voice.ID = v.voice
	return v.Provider.SynthesizeStream(ctx, req)
}
