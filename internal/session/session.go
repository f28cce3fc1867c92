package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/dialog"
	"github.com/vocero-ai/vocero/internal/mcp"
	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/internal/pipeline"
	"github.com/vocero-ai/vocero/internal/transcript"
	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/history"
	"github.com/vocero-ai/vocero/pkg/provider/llm"
	"github.com/vocero-ai/vocero/pkg/provider/stt"
	"github.com/vocero-ai/vocero/pkg/provider/tts"
	"github.com/vocero-ai/vocero/pkg/provider/vad"
)

// PipelineSampleRate is the PCM rate on the internal hops. The transport
// resamples the wire legs to and from this rate; the STT and TTS ports are
// configured for it.
const PipelineSampleRate = 16000

// historyFlushTimeout bounds the end-of-call history writes. The call is
// already over; a slow sink must not pin the session goroutine.
const historyFlushTimeout = 5 * time.Second

// Transport moves audio between the caller and the pipeline. Run reads
// caller audio into inbound and writes frames popped from outbound back to
// the caller; it returns when the remote side closes or ctx is cancelled.
// Close is idempotent.
type Transport interface {
	Run(ctx context.Context, inbound, outbound *pipeline.Queue) error
	Close() error
}

// Ports groups the provider adapters serving one call. VAD, STT, LLM and
// TTS are required. Tools may be nil when no tool host is configured;
// History may be nil to skip persistence.
type Ports struct {
	VAD     vad.Engine
	STT     stt.Provider
	LLM     llm.Provider
	TTS     tts.Provider
	Tools   mcp.Host
	History history.Store
}

// Options carry the cross-cutting collaborators of a session.
type Options struct {
	// Logger receives session lifecycle logs. Nil selects slog.Default.
	Logger *slog.Logger

	// Metrics receives per-call measurements. Nil selects the process-wide
	// default.
	Metrics *observe.Metrics

	// Filter drops hallucinated STT finals. Nil builds one from the
	// snapshot's blacklist.
	Filter *transcript.Filter

	// HoldAudio is PCM at [PipelineSampleRate] looped during slow tool
	// calls. Empty disables hold audio.
	HoldAudio []byte
}

// Session owns one call end to end: the bounded queues, the processor
// workers, the conversation state machine, and the orchestrator loop that
// arbitrates between them. Create with [New], drive with [Session.Run].
type Session struct {
	snap   config.Snapshot
	ports  Ports
	tr     Transport
	log    *slog.Logger
	m      *observe.Metrics
	filter *transcript.Filter
	hold   []byte

	ctrl    *pipeline.ControlChannel
	active  *pipeline.ActiveTurn
	machine *Machine
	reason  *endReason

	startedAt time.Time
}

// New validates the wiring and resolves the snapshot's dynamic variables.
// The session is inert until Run.
func New(snap config.Snapshot, ports Ports, tr Transport, opts Options) (*Session, error) {
	if tr == nil {
		return nil, errors.New("session: transport is required")
	}
	if ports.VAD == nil || ports.STT == nil || ports.LLM == nil || ports.TTS == nil {
		return nil, errors.New("session: vad, stt, llm and tts ports are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("call_id", snap.CallID))

	m := opts.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	filter := opts.Filter
	if filter == nil {
		filter = transcript.New(snap.HallucinationBlacklist)
	}

	snap.LLM.SystemPrompt = substituteVars(snap.LLM.SystemPrompt, snap.DynamicVars)
	snap.LLM.FirstMessage = substituteVars(snap.LLM.FirstMessage, snap.DynamicVars)
	snap.Session.IdleMessage = substituteVars(snap.Session.IdleMessage, snap.DynamicVars)

	return &Session{
		snap:    snap,
		ports:   ports,
		tr:      tr,
		log:     log,
		m:       m,
		filter:  filter,
		hold:    opts.HoldAudio,
		ctrl:    pipeline.NewControlChannel(),
		active:  &pipeline.ActiveTurn{},
		machine: NewMachine(log),
		reason:  &endReason{},
	}, nil
}

// substituteVars replaces every {{name}} occurrence with its value.
// Unknown placeholders are left as-is.
func substituteVars(s string, vars map[string]string) string {
	if s == "" || len(vars) == 0 {
		return s
	}
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}

// Run drives the call until the caller hangs up, a lifecycle bound trips,
// or ctx is cancelled. It blocks for the call's lifetime, flushes history,
// and closes the transport before returning. The error is nil for every
// deliberate end of call.
func (s *Session) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	s.log.Info("session starting",
		slog.String("stt", s.snap.STT.Provider),
		slog.String("llm", s.snap.LLM.Provider),
		slog.String("tts", s.snap.TTS.Provider),
		slog.String("vad", s.snap.VAD.Engine))

	s.m.ActiveCalls.Add(ctx, 1)
	defer s.m.ActiveCalls.Add(ctx, -1)

	vadSess, err := s.ports.VAD.NewSession(vad.Config{
		SampleRate: PipelineSampleRate,
		Threshold:  s.snap.VAD.Threshold,
	})
	if err != nil {
		return fmt.Errorf("session: vad session: %w", err)
	}

	capacity := s.snap.QueueCapacity
	qMedia := pipeline.NewQueue("transport→vad", capacity).Instrument(s.m)
	qVAD := pipeline.NewQueue("vad→stt", capacity)
	qSTT := pipeline.NewQueue("stt→orch", capacity)
	qLLM := pipeline.NewQueue("llm→agg", capacity).Instrument(s.m)
	qTTS := pipeline.NewQueue("agg→tts", capacity)
	qOut := pipeline.NewQueue("tts→out", capacity).Instrument(s.m)
	qEvents := pipeline.NewQueue("events→orch", capacity)
	reqs := make(chan pipeline.TurnRequest, 1)

	conv := dialog.NewConversationContext(0)
	var tools []llm.ToolDefinition
	if s.ports.Tools != nil {
		tools = s.ports.Tools.ListTools()
	}

	vadStage := pipeline.NewVAD(vadSess, pipeline.VADConfig{
		Threshold:            s.snap.VAD.Threshold,
		ConfirmationMs:       s.snap.VAD.ConfirmationMs,
		SilenceThresholdMs:   s.snap.VAD.SilenceThresholdMs,
		InterruptionEnabled:  s.snap.Interruption.Enabled,
		InterruptionMinWords: s.snap.Interruption.MinWords,
	}, qMedia, qVAD, pipeline.WithBargeIn(s.ctrl, s.active))

	sttStage := pipeline.NewSTT(s.ports.STT, s.filter, pipeline.STTConfig{
		SampleRate:       PipelineSampleRate,
		Channels:         1,
		Language:         s.snap.STT.Language,
		AppendLateFinals: s.snap.STT.AppendLateFinals,
		Metrics:          s.m,
	}, qVAD, qSTT)

	llmStage := pipeline.NewLLM(s.ports.LLM, pipeline.LLMConfig{
		Style: pipeline.StyleDirectives{
			ResponseLength: s.snap.Style.ResponseLength,
			Tone:           s.snap.Style.Tone,
			Formality:      s.snap.Style.Formality,
			Pacing:         string(s.snap.Style.Pacing),
		},
		Metrics: s.m,
	}, reqs, qLLM)

	agg := dialog.NewAggregator(s.ports.Tools, conv, dialog.AggregatorConfig{
		SystemPrompt:  s.snap.LLM.SystemPrompt,
		Tools:         tools,
		Temperature:   s.snap.LLM.Temperature,
		MaxTokens:     s.snap.LLM.MaxTokens,
		ContextWindow: s.snap.LLM.ContextWindow,
		Metrics:       s.m,
	}, qLLM, qTTS, qEvents, reqs)

	ttsStage := pipeline.NewTTS(s.ports.TTS, pipeline.TTSConfig{
		Voice:              tts.VoiceSpec{ID: s.snap.TTS.Voice, Language: s.snap.TTS.Language},
		Rate:               s.snap.TTS.Speed,
		Pitch:              s.snap.TTS.Pitch,
		Volume:             s.snap.TTS.Volume,
		Style:              s.snap.TTS.Style,
		StyleDegree:        s.snap.TTS.StyleDegree,
		SampleRate:         PipelineSampleRate,
		InterSentenceDelay: time.Duration(s.snap.Style.InterSentenceDelayMs) * time.Millisecond,
		FillerInjection:    s.snap.Voice.FillerInjection,
		Fillers:            s.snap.Voice.Fillers,
		HoldAudio:          s.hold,
		Metrics:            s.m,
	}, qTTS, qOut, qEvents)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	orch := &orchestrator{
		log:     s.log,
		m:       s.m,
		snap:    s.snap,
		machine: s.machine,
		ctrl:    s.ctrl,
		active:  s.active,
		agg:     agg,
		llm:     llmStage,
		tts:     ttsStage,
		qSTT:    qSTT,
		qEvents: qEvents,
		reason:  s.reason,
		stop:    cancel,
	}

	g.Go(func() error {
		err := s.tr.Run(gctx, qMedia, qOut)
		if gctx.Err() == nil {
			// The remote side went away while the session was still live.
			if err != nil {
				s.reason.set("fatal_error")
			} else {
				s.reason.set("caller_hangup")
			}
			s.ctrl.Publish(frame.NewControl(frame.ControlEmergencyStop, ""))
		}
		return pipeline.StopCause(err)
	})
	g.Go(func() error { return vadStage.Run(gctx) })
	g.Go(func() error { return sttStage.Run(gctx) })
	g.Go(func() error { return llmStage.Run(gctx) })
	g.Go(func() error { return agg.Run(gctx) })
	g.Go(func() error { return ttsStage.Run(gctx) })
	g.Go(func() error { return orch.run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	s.flushHistory(orch)

	if cerr := s.tr.Close(); cerr != nil {
		s.log.Warn("transport close failed", slog.Any("err", cerr))
	}

	s.log.Info("session ended",
		slog.String("end_reason", s.reason.get()),
		slog.Int("turns", len(orch.records)),
		slog.Duration("duration", time.Since(s.startedAt)))
	return err
}

// flushHistory persists the call's turn records and summary. The worker
// tree has already stopped, so the orchestrator's records are stable.
func (s *Session) flushHistory(orch *orchestrator) {
	orch.resolvePendingRecord()
	if s.ports.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyFlushTimeout)
	defer cancel()

	for _, turn := range orch.records {
		if err := s.ports.History.AppendTurn(ctx, turn); err != nil {
			s.log.Warn("history: append turn failed",
				slog.String("trace_id", turn.TraceID), slog.Any("err", err))
		}
	}
	call := history.CallRecord{
		CallID:      s.snap.CallID,
		StartedAt:   s.startedAt,
		EndedAt:     time.Now(),
		Turns:       len(orch.records),
		IdleRetries: orch.idleRetries,
		EndReason:   s.reason.get(),
	}
	if err := s.ports.History.FinishCall(ctx, call); err != nil {
		s.log.Warn("history: finish call failed", slog.Any("err", err))
	}
}

// endReason records why the call ended. The first writer wins; later
// causes are consequences of the first.
type endReason struct {
	mu sync.Mutex
	v  string
}

func (e *endReason) set(reason string) {
	e.mu.Lock()
	if e.v == "" {
		e.v = reason
	}
	e.mu.Unlock()
}

func (e *endReason) get() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.v == "" {
		return "shutdown"
	}
	return e.v
}
