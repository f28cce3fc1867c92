package pipeline

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/tts"
)

// Synthesis stage tunables.
const (
	// backpressureDepth and backpressureWindow define outbound congestion:
	// the queue holding at least backpressureDepth frames continuously for
	// backpressureWindow engages the speaking-rate hint.
	backpressureDepth  = 3
	backpressureWindow = 200 * time.Millisecond

	// fillerOdds is the chance a sentence gets a filler prefix;
	// fillerMinChars skips fillers on very short sentences.
	fillerOdds     = 0.2
	fillerMinChars = 10

	// holdChunkMs sizes the looped hold-audio slices; holdPollInterval is
	// how often the loop tops up the outbound queue during a tool wait.
	holdChunkMs      = 200
	holdPollInterval = 50 * time.Millisecond
)

// TTSConfig parameterises the synthesis stage.
type TTSConfig struct {
	// Voice, Rate, Pitch, Volume, Style and StyleDegree pass through on
	// every synthesis request.
	Voice       tts.VoiceSpec
	Rate        float64
	Pitch       float64
	Volume      float64
	Style       string
	StyleDegree float64

	// SampleRate is the outbound PCM rate the transport expects.
	SampleRate int

	// MaxSentenceChars forces a flush when accumulated text holds no
	// sentence boundary. Zero selects the package default.
	MaxSentenceChars int

	// InterSentenceDelay inserts a beat between sentences, derived from the
	// profile's pacing.
	InterSentenceDelay time.Duration

	// FillerInjection enables occasional spoken fillers drawn from Fillers.
	FillerInjection bool
	Fillers         []string

	// HoldAudio is PCM at SampleRate looped while a slow tool call keeps
	// the turn silent. Empty disables hold audio.
	HoldAudio []byte

	// Metrics receives stage latency and error counts. Nil selects the
	// process-wide default.
	Metrics *observe.Metrics
}

// TTS is the synthesis stage. It accumulates generated text into sentences,
// opens one synthesis stream per sentence, and brackets each utterance with
// TTSStart / TTSEnd on both the outbound hop (for the transport's playout
// bookkeeping) and the event hop (for the orchestrator).
//
// Interrupt cuts the active utterance from another goroutine: it cancels the
// in-flight synthesis, drops queued outbound audio, and pushes the
// interrupted end bracket in-band so the transport clears its remote buffer.
type TTS struct {
	provider tts.Provider
	cfg      TTSConfig
	in       *Queue // content chunks from the aggregator
	out      *Queue // outbound audio to the transport
	events   *Queue // lifecycle events to the orchestrator
	m        *observe.Metrics
	dice     func() float64

	mu          sync.Mutex
	trace       string
	cancel      context.CancelFunc
	interrupted bool
	spoken      int

	// outMu serialises outbound audio pushes against Interrupt's
	// drain-and-clear, so no frame can land after the clear bracket.
	outMu sync.Mutex

	// Run-goroutine state.
	buf            string
	speaking       bool
	holding        bool
	holdOffset     int
	congestedSince time.Time
	hint           bool
}

// NewTTS builds the synthesis stage reading from in, writing audio to out
// and lifecycle events to events.
func NewTTS(provider tts.Provider, cfg TTSConfig, in, out, events *Queue) *TTS {
	if cfg.MaxSentenceChars <= 0 {
		cfg.MaxSentenceChars = MaxSentenceChars
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &TTS{provider: provider, cfg: cfg, in: in, out: out, events: events, m: m, dice: rand.Float64}
}

// Interrupt cuts playback of trace. An empty trace cuts whatever turn is
// active. It returns how many sentences had fully reached the transport, for
// truncating the conversation context, and whether anything matched; on a
// match the caller owns the commit, no TTSEnd event follows. Safe to call
// from any goroutine.
func (t *TTS) Interrupt(trace string) (spoken int, ok bool) {
	t.mu.Lock()
	if t.trace == "" || (trace != "" && trace != t.trace) {
		t.mu.Unlock()
		return 0, false
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.interrupted = true
	spoken = t.spoken
	tr := t.trace
	t.mu.Unlock()

	// The in-band bracket tells the transport to clear its remote playout
	// buffer. TryPush cannot fail meaningfully here: the queue was just
	// drained, and outMu keeps any in-flight audio push ordered before
	// the drain.
	t.outMu.Lock()
	dropped := t.out.Drain()
	t.out.TryPush(frame.NewTTSEnd(tr, frame.EndInterrupted, spoken))
	t.outMu.Unlock()
	slog.Debug("tts: interrupted",
		"trace_id", tr, "sentences_spoken", spoken, "frames_dropped", dropped)
	return spoken, true
}

// Run consumes content frames until ctx is cancelled or the inbound queue
// closes. The ticker drives hold-audio top-ups during tool waits.
func (t *TTS) Run(ctx context.Context) error {
	ticker := time.NewTicker(holdPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.in.Done():
			return StopCause(t.flushInbound(ctx))
		case f := <-t.in.Frames():
			if err := t.handle(ctx, f); err != nil {
				return StopCause(err)
			}
		case <-ticker.C:
			if err := t.topUpHold(ctx); err != nil {
				return StopCause(err)
			}
		}
	}
}

// flushInbound handles frames still buffered at close so a turn's terminal
// marker is not lost to the shutdown race.
func (t *TTS) flushInbound(ctx context.Context) error {
	for {
		select {
		case f := <-t.in.Frames():
			if err := t.handle(ctx, f); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (t *TTS) handle(ctx context.Context, f frame.Frame) error {
	switch fr := f.(type) {
	case frame.LLMChunk:
		return t.onChunk(ctx, fr)
	case frame.ToolPending:
		return t.onToolPending(ctx, fr)
	default:
		// Not a synthesis concern; relay to the orchestrator.
		return t.events.Push(ctx, f)
	}
}

func (t *TTS) onChunk(ctx context.Context, c frame.LLMChunk) error {
	t.adoptTurn(c.TraceID())
	t.holding = false

	if c.Content != "" && !t.isInterrupted() {
		t.buf += c.Content
		for {
			s, rest, ok := nextSentence(t.buf, t.cfg.MaxSentenceChars)
			if !ok {
				break
			}
			t.buf = rest
			if err := t.speak(ctx, c.TraceID(), s); err != nil {
				return err
			}
		}
	}
	if !c.Terminal() {
		return nil
	}
	return t.endTurn(ctx, c)
}

func (t *TTS) endTurn(ctx context.Context, c frame.LLMChunk) error {
	trace := c.TraceID()
	tail := strings.TrimSpace(t.buf)
	t.buf = ""
	switch c.FinishReason {
	case frame.FinishStop, frame.FinishLength:
		if tail != "" && !t.isInterrupted() {
			if err := t.speak(ctx, trace, tail); err != nil {
				return err
			}
		}
		return t.closeUtterance(ctx, trace, frame.EndNatural)
	case frame.FinishInterrupted:
		return t.closeUtterance(ctx, trace, frame.EndInterrupted)
	case frame.FinishError:
		return t.closeUtterance(ctx, trace, frame.EndError)
	default:
		// tool_calls: the turn resumes after the tool round trip.
		return nil
	}
}

// closeUtterance emits the end bracket for the turn. After an Interrupt the
// bracket already went out in-band and the caller of Interrupt owns the
// commit, so the terminal marker is consumed silently.
//
// Turn state is retained until the next turn adopts: a barge-in that lands
// after the natural close, while the far end is still playing out the tail,
// must still match this turn so the transport gets its clear bracket and the
// caller learns the full spoken count.
func (t *TTS) closeUtterance(ctx context.Context, trace string, cause frame.EndCause) error {
	t.mu.Lock()
	spoken := t.spoken
	wasCut := t.interrupted
	t.mu.Unlock()

	speaking := t.speaking
	t.speaking = false
	t.holding = false

	if wasCut {
		return nil
	}
	end := frame.NewTTSEnd(trace, cause, spoken)
	if speaking {
		if err := t.out.Push(ctx, end); err != nil {
			return err
		}
	}
	return t.events.Push(ctx, end)
}

// speak runs one synthesis stream for a completed sentence and forwards its
// audio. The sentence counts as spoken only once its stream completes
// without interruption.
func (t *TTS) speak(ctx context.Context, trace, sentence string) error {
	sentence = strings.TrimSpace(sentence)
	if sentence == "" {
		return nil
	}
	sentence = t.withFiller(sentence)

	synthCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.mu.Lock()
	if t.interrupted {
		t.mu.Unlock()
		return nil
	}
	t.cancel = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancel = nil
		t.mu.Unlock()
	}()

	req := tts.Request{
		Text:             sentence,
		Voice:            t.cfg.Voice,
		Rate:             t.cfg.Rate,
		Pitch:            t.cfg.Pitch,
		Volume:           t.cfg.Volume,
		Style:            t.cfg.Style,
		StyleDegree:      t.cfg.StyleDegree,
		BackpressureHint: t.hint,
		SampleRate:       t.cfg.SampleRate,
	}
	started := time.Now()
	stream, err := t.provider.SynthesizeStream(synthCtx, req)
	if err != nil {
		return t.report(ctx, trace, err)
	}

	first := true
	for {
		select {
		case <-synthCtx.Done():
			go drainTTS(stream)
			return nil
		case c, ok := <-stream:
			if !ok {
				t.m.RecordStageTotal(ctx, observe.PortTTS, msSince(started))
				t.mu.Lock()
				if !t.interrupted {
					t.spoken++
				}
				t.mu.Unlock()
				return t.pause(ctx)
			}
			if c.Err != nil {
				go drainTTS(stream)
				return t.report(ctx, trace, c.Err)
			}
			if first {
				first = false
				t.m.RecordTTFB(ctx, observe.PortTTS, msSince(started))
				if err := t.openUtterance(ctx, trace); err != nil {
					return err
				}
			}
			cut, err := t.pushAudio(synthCtx, frame.NewAudio(trace, c.PCM, c.SampleRate, 1))
			if cut {
				go drainTTS(stream)
				return nil
			}
			if err != nil {
				return err
			}
			t.noteDepth()
		}
	}
}

// pushAudio forwards one audio frame unless the turn was cut. The interrupt
// check and the push happen under outMu so they cannot interleave with
// Interrupt's drain-and-clear. Callers pass the synthesis context: Interrupt
// cancels it, which unblocks a push stuck on a full queue so the cut never
// waits on the transport.
func (t *TTS) pushAudio(ctx context.Context, f frame.Frame) (cut bool, err error) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	if t.isInterrupted() {
		return true, nil
	}
	if err := t.out.Push(ctx, f); err != nil {
		if t.isInterrupted() {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// openUtterance emits TTSStart once per turn, before its first audio frame.
func (t *TTS) openUtterance(ctx context.Context, trace string) error {
	if t.speaking {
		return nil
	}
	t.speaking = true
	start := frame.NewTTSStart(trace)
	if err := t.out.Push(ctx, start); err != nil {
		return err
	}
	return t.events.Push(ctx, start)
}

// pause inserts the configured beat between sentences.
func (t *TTS) pause(ctx context.Context) error {
	if t.cfg.InterSentenceDelay <= 0 || t.isInterrupted() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.cfg.InterSentenceDelay):
		return nil
	}
}

// withFiller occasionally prefixes a short spoken filler so consecutive
// sentences do not sound machine-stitched.
func (t *TTS) withFiller(sentence string) string {
	if !t.cfg.FillerInjection || len(t.cfg.Fillers) == 0 {
		return sentence
	}
	if len(sentence) <= fillerMinChars || t.dice() >= fillerOdds {
		return sentence
	}
	f := strings.TrimSpace(t.cfg.Fillers[rand.IntN(len(t.cfg.Fillers))])
	if f == "" {
		return sentence
	}
	return f + " " + sentence
}

// onToolPending engages hold audio: the tool round trip will keep the turn
// silent past the comfort threshold, so the caller hears something.
func (t *TTS) onToolPending(ctx context.Context, tp frame.ToolPending) error {
	t.adoptTurn(tp.TraceID())
	if len(t.cfg.HoldAudio) == 0 {
		return nil
	}
	t.holding = true
	slog.Debug("tts: hold audio engaged",
		"trace_id", tp.TraceID(), "tool", tp.Tool, "expected_ms", tp.ExpectedMs)
	return t.topUpHold(ctx)
}

// topUpHold keeps a shallow backlog of hold audio queued while a tool call
// runs. Best effort: it stops the moment real content resumes or the turn is
// cut, and never builds more than two frames of lead.
func (t *TTS) topUpHold(ctx context.Context) error {
	if !t.holding || len(t.cfg.HoldAudio) == 0 || t.isInterrupted() {
		return nil
	}
	if t.out.Depth() >= 2 {
		return nil
	}
	_, err := t.pushAudio(ctx, frame.NewAudio(t.currentTrace(), t.nextHoldChunk(), t.cfg.SampleRate, 1))
	return err
}

// nextHoldChunk slices the hold loop, wrapping at the end of the source.
func (t *TTS) nextHoldChunk() []byte {
	src := t.cfg.HoldAudio
	n := t.cfg.SampleRate * 2 * holdChunkMs / 1000
	if n <= 0 || n > len(src) {
		n = len(src)
	}
	if t.holdOffset >= len(src) {
		t.holdOffset = 0
	}
	end := t.holdOffset + n
	if end > len(src) {
		end = len(src)
	}
	chunk := src[t.holdOffset:end]
	t.holdOffset = end % len(src)
	return chunk
}

// adoptTurn resets per-turn state when a frame for a new turn arrives. Frame
// order on the content hop is the aggregator's emission order, so a trace
// change always means a newer turn.
func (t *TTS) adoptTurn(trace string) {
	t.mu.Lock()
	changed := trace != t.trace
	if changed {
		t.trace = trace
		t.spoken = 0
		t.interrupted = false
	}
	t.mu.Unlock()
	if changed {
		t.buf = ""
		t.speaking = false
		t.holding = false
		t.holdOffset = 0
	}
}

// noteDepth samples outbound congestion after each audio push. The hint
// engages only once the queue has stayed at or above the threshold for the
// whole window, so a transient burst does not speed the voice up.
func (t *TTS) noteDepth() {
	if t.out.Depth() < backpressureDepth {
		t.congestedSince = time.Time{}
		t.hint = false
		return
	}
	if t.congestedSince.IsZero() {
		t.congestedSince = time.Now()
		return
	}
	if !t.hint && time.Since(t.congestedSince) > backpressureWindow {
		t.hint = true
		slog.Debug("tts: backpressure hint engaged", "depth", t.out.Depth())
	}
}

func (t *TTS) isInterrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

func (t *TTS) currentTrace() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trace
}

func (t *TTS) report(ctx context.Context, trace string, err error) error {
	kind, _ := frame.KindOf(err)
	t.m.RecordError(ctx, observe.PortTTS, kind.String())
	return t.events.Push(ctx, frame.NewError(trace, "tts", kind, frame.IsRetryable(err), err))
}

// drainTTS empties a cancelled synthesis stream so the provider goroutine
// can exit.
func drainTTS(ch <-chan tts.AudioChunk) {
	for range ch {
	}
}
