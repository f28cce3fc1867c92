package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/internal/transcript"
	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/stt"
)

// defaultFinalFlushTimeout bounds the wait for the provider's trailing final
// after the audio stream is half-closed.
const defaultFinalFlushTimeout = time.Second

// STTConfig parameterises the transcription stage.
type STTConfig struct {
	// SampleRate and Channels describe the audio handed to the provider.
	SampleRate int
	Channels   int

	// Language is the BCP-47 hint passed to the provider, empty for
	// auto-detect.
	Language string

	// AppendLateFinals forwards finals that surface after the flush window
	// closes instead of suppressing them.
	AppendLateFinals bool

	// FinalFlushTimeout overrides the trailing-final wait. Zero selects one
	// second.
	FinalFlushTimeout time.Duration

	// Metrics receives stage latency and error counts. Nil selects the
	// process-wide default.
	Metrics *observe.Metrics
}

// STT is the transcription stage. It opens one provider stream per user turn
// (bracketed by UserStartedSpeaking / UserStoppedSpeaking), relays partial
// hypotheses as partial TextFrames, and runs finals through the transcript
// filter before forwarding them. Speech events pass through so the
// orchestrator sees them in order; the final of a turn is always pushed
// before the turn's stop event.
type STT struct {
	provider stt.Provider
	filter   *transcript.Filter
	cfg      STTConfig
	in, out  *Queue
	m        *observe.Metrics

	// Session state, owned by Run's goroutine.
	sess      stt.SessionHandle
	trace     string
	openedAt  time.Time
	ttfbKnown bool
}

// NewSTT builds the transcription stage reading from in and writing to out.
// filter may be nil to disable transcript hygiene.
func NewSTT(provider stt.Provider, filter *transcript.Filter, cfg STTConfig, in, out *Queue) *STT {
	if cfg.FinalFlushTimeout <= 0 {
		cfg.FinalFlushTimeout = defaultFinalFlushTimeout
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &STT{provider: provider, filter: filter, cfg: cfg, in: in, out: out, m: m}
}

// Run consumes speech events and turn audio until ctx is cancelled or the
// inbound queue closes. It owns at most one provider session at a time and
// closes it on exit.
func (s *STT) Run(ctx context.Context) error {
	defer s.teardown()
	for {
		// The session channels are nil outside a turn, which parks their
		// cases until a stream opens.
		var partials, finals <-chan stt.Transcript
		if s.sess != nil {
			partials, finals = s.sess.Partials(), s.sess.Finals()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.in.Done():
			return nil
		case f := <-s.in.Frames():
			if f == nil {
				continue
			}
			if err := s.handleFrame(ctx, f); err != nil {
				return StopCause(err)
			}
		case tr, ok := <-partials:
			if !ok {
				if err := s.streamDied(ctx); err != nil {
					return StopCause(err)
				}
				continue
			}
			if strings.TrimSpace(tr.Text) == "" {
				continue
			}
			s.markTTFB(ctx)
			if err := s.out.Push(ctx, frame.NewText(s.trace, tr.Text, true)); err != nil {
				return StopCause(err)
			}
		case tr, ok := <-finals:
			if !ok {
				if err := s.streamDied(ctx); err != nil {
					return StopCause(err)
				}
				continue
			}
			s.markTTFB(ctx)
			if err := s.forwardFinal(ctx, s.trace, tr); err != nil {
				return StopCause(err)
			}
		}
	}
}

func (s *STT) handleFrame(ctx context.Context, f frame.Frame) error {
	switch fr := f.(type) {
	case frame.UserStartedSpeaking:
		if err := s.openTurn(ctx, fr); err != nil {
			return err
		}
		return s.out.Push(ctx, fr)
	case frame.AudioFrame:
		if s.sess == nil || fr.TraceID() != s.trace {
			// Audio from a turn already flushed; nothing to feed it to.
			return nil
		}
		if err := s.sess.SendAudio(fr.PCM); err != nil {
			return s.report(ctx, s.trace, err)
		}
		return nil
	case frame.UserStoppedSpeaking:
		if err := s.closeTurn(ctx, fr); err != nil {
			return err
		}
		return s.out.Push(ctx, fr)
	default:
		return s.out.Push(ctx, f)
	}
}

// openTurn starts a provider stream for the new turn. On failure the turn
// still runs, it just produces no transcript; the orchestrator learns why
// from the error frame.
func (s *STT) openTurn(ctx context.Context, ev frame.UserStartedSpeaking) error {
	if s.sess != nil {
		// The previous turn never saw its stop event. Drop its stream; any
		// transcript it still held is gone with the provider.
		slog.Warn("stt: turn opened over an active stream", "trace_id", s.trace)
		s.sess.Close()
		s.sess, s.trace = nil, ""
	}
	sess, err := s.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Language:   s.cfg.Language,
	})
	if err != nil {
		return s.report(ctx, ev.TraceID(), err)
	}
	s.sess, s.trace = sess, ev.TraceID()
	s.openedAt = time.Now()
	s.ttfbKnown = false
	return nil
}

// closeTurn half-closes the stream and waits, bounded, for the trailing
// final so it is forwarded before the stop event. Finals that miss the
// window are late: forwarded only when configured, suppressed otherwise.
func (s *STT) closeTurn(ctx context.Context, ev frame.UserStoppedSpeaking) error {
	if s.sess == nil || ev.TraceID() != s.trace {
		return nil
	}
	sess, trace := s.sess, s.trace
	s.sess, s.trace = nil, ""
	defer sess.Close()

	if err := sess.CloseSend(); err != nil {
		slog.Warn("stt: close send", "trace_id", trace, "err", err)
	}

	timer := time.NewTimer(s.cfg.FinalFlushTimeout)
	defer timer.Stop()
await:
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr, ok := <-sess.Finals():
			if !ok {
				break await
			}
			if strings.TrimSpace(tr.Text) == "" {
				continue
			}
			if err := s.forwardFinal(ctx, trace, tr); err != nil {
				return err
			}
			break await
		case <-timer.C:
			slog.Debug("stt: final flush timed out", "trace_id", trace)
			break await
		}
	}
	s.m.RecordStageTotal(ctx, observe.PortSTT, msSince(s.openedAt))
	return s.drainLate(ctx, sess, trace)
}

// drainLate empties whatever finals are already buffered without blocking.
func (s *STT) drainLate(ctx context.Context, sess stt.SessionHandle, trace string) error {
	for {
		select {
		case tr, ok := <-sess.Finals():
			if !ok {
				return nil
			}
			if strings.TrimSpace(tr.Text) == "" {
				continue
			}
			if !s.cfg.AppendLateFinals {
				slog.Debug("stt: late final suppressed", "trace_id", trace, "text", tr.Text)
				continue
			}
			if err := s.forwardFinal(ctx, trace, tr); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// forwardFinal applies transcript hygiene and pushes the final downstream.
// A dropped final vanishes; the turn then counts as an empty utterance.
func (s *STT) forwardFinal(ctx context.Context, trace string, tr stt.Transcript) error {
	text := tr.Text
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if s.filter != nil {
		v := s.filter.Check(text)
		if v.Drop {
			slog.Info("stt: final dropped",
				"trace_id", trace, "reason", v.Reason, "matched", v.Matched, "confidence", v.Confidence)
			return nil
		}
		text = v.Text
	}
	return s.out.Push(ctx, frame.NewText(trace, text, false))
}

// streamDied handles a provider stream ending without a stop event. The
// current turn loses its transcript; the next turn opens a fresh stream.
func (s *STT) streamDied(ctx context.Context) error {
	if s.sess == nil {
		return nil
	}
	trace := s.trace
	s.sess.Close()
	s.sess, s.trace = nil, ""
	return s.report(ctx, trace, frame.Transient("stt", errors.New("provider stream ended mid-turn")))
}

func (s *STT) report(ctx context.Context, trace string, err error) error {
	kind, _ := frame.KindOf(err)
	s.m.RecordError(ctx, observe.PortSTT, kind.String())
	return s.out.Push(ctx, frame.NewError(trace, "stt", kind, frame.IsRetryable(err), err))
}

func (s *STT) markTTFB(ctx context.Context) {
	if s.ttfbKnown || s.sess == nil {
		return
	}
	s.ttfbKnown = true
	s.m.RecordTTFB(ctx, observe.PortSTT, msSince(s.openedAt))
}

func (s *STT) teardown() {
	if s.sess != nil {
		s.sess.Close()
		s.sess = nil
	}
}

// msSince converts elapsed wall time to fractional milliseconds for the
// latency instruments.
func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
