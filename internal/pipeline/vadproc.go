package pipeline

import (
	"context"
	"log/slog"

	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/vad"
)

// Turn detection defaults, applied when the config leaves a field zero.
const (
	defaultVADThreshold       = 0.5
	defaultConfirmationMs     = 200
	defaultSilenceThresholdMs = 500
)

// VADConfig parameterises the turn detection stage.
type VADConfig struct {
	// Threshold is the speech probability at or above which a frame counts
	// as voiced.
	Threshold float64

	// ConfirmationMs is the continuous voiced window that confirms a turn
	// start. Shorter bursts are discarded as noise.
	ConfirmationMs int

	// SilenceThresholdMs is the continuous silence window that ends a turn.
	SilenceThresholdMs int

	// InterruptionEnabled gates barge-in publication entirely.
	InterruptionEnabled bool

	// InterruptionMinWords defers barge-in to the transcript side: when > 0
	// the orchestrator decides from partial word counts instead of this
	// stage, so speech confirmation alone never cuts the assistant off.
	InterruptionMinWords int
}

// VADOption customises the turn detection stage.
type VADOption func(*VAD)

// WithBargeIn arms direct barge-in: when confirmed speech starts while the
// turn published in active is busy, the stage posts INTERRUPT for that turn
// on ctrl. Only effective with interruption enabled and min words 0.
func WithBargeIn(ctrl *ControlChannel, active *ActiveTurn) VADOption {
	return func(v *VAD) {
		v.control, v.active = ctrl, active
	}
}

// VAD is the turn detection stage. It scores inbound audio, gates the stream
// so only confirmed speech reaches transcription, and brackets each user turn
// with UserStartedSpeaking / UserStoppedSpeaking under a freshly minted trace
// id. Both windows are measured in audio time derived from frame durations,
// never wall clock, so detection is deterministic under replay.
//
// Audio arriving before confirmation is buffered and flushed once the turn
// opens, so the confirmation window costs no leading speech.
type VAD struct {
	sess    vad.SessionHandle
	cfg     VADConfig
	in, out *Queue
	control *ControlChannel
	active  *ActiveTurn

	// Turn state, owned by Run's goroutine.
	trace     string
	voicedMs  float64
	silenceMs float64
	pending   []frame.AudioFrame
}

// NewVAD builds the turn detection stage reading from in and writing to out.
// It takes ownership of sess and closes it when Run returns.
func NewVAD(sess vad.SessionHandle, cfg VADConfig, in, out *Queue, opts ...VADOption) *VAD {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultVADThreshold
	}
	if cfg.ConfirmationMs <= 0 {
		cfg.ConfirmationMs = defaultConfirmationMs
	}
	if cfg.SilenceThresholdMs <= 0 {
		cfg.SilenceThresholdMs = defaultSilenceThresholdMs
	}
	v := &VAD{sess: sess, cfg: cfg, in: in, out: out}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run consumes inbound audio until ctx is cancelled or the inbound queue
// closes. Non-audio frames pass through untouched.
func (v *VAD) Run(ctx context.Context) error {
	defer v.sess.Close()
	for {
		f, err := v.in.Pop(ctx)
		if err != nil {
			return StopCause(err)
		}
		af, ok := f.(frame.AudioFrame)
		if !ok {
			if err := v.out.Push(ctx, f); err != nil {
				return StopCause(err)
			}
			continue
		}
		if err := v.observe(ctx, af); err != nil {
			return StopCause(err)
		}
	}
}

func (v *VAD) observe(ctx context.Context, af frame.AudioFrame) error {
	score, err := v.sess.Score(af.PCM)
	if err != nil {
		// A scoring failure is not fatal to the call; the frame counts as
		// silence and detection recovers on the next frame.
		slog.Warn("vad: score failed", "err", err)
		score = 0
	}
	voiced := score >= v.cfg.Threshold
	if v.trace == "" {
		return v.observeIdle(ctx, af, voiced)
	}
	return v.observeTurn(ctx, af, voiced)
}

// observeIdle accumulates the confirmation window. Candidate frames are
// buffered so the turn, once confirmed, starts with its full leading audio; a
// silent frame before confirmation discards the candidate as noise.
func (v *VAD) observeIdle(ctx context.Context, af frame.AudioFrame, voiced bool) error {
	if !voiced {
		v.voicedMs = 0
		v.pending = v.pending[:0]
		return nil
	}
	v.voicedMs += af.DurationMs()
	v.pending = append(v.pending, af)
	if v.voicedMs < float64(v.cfg.ConfirmationMs) {
		return nil
	}

	v.trace = frame.NewTraceID()
	v.voicedMs, v.silenceMs = 0, 0
	slog.Debug("vad: speech started", "trace_id", v.trace)
	if err := v.out.Push(ctx, frame.NewUserStartedSpeaking(v.trace)); err != nil {
		return err
	}
	for _, buf := range v.pending {
		if err := v.out.Push(ctx, frame.NewAudio(v.trace, buf.PCM, buf.SampleRate, buf.Channels)); err != nil {
			return err
		}
	}
	v.pending = v.pending[:0]
	v.bargeIn()
	return nil
}

// observeTurn forwards in-turn audio restamped with the turn's trace,
// trailing silence included, and closes the turn once the silence window
// elapses.
func (v *VAD) observeTurn(ctx context.Context, af frame.AudioFrame, voiced bool) error {
	if err := v.out.Push(ctx, frame.NewAudio(v.trace, af.PCM, af.SampleRate, af.Channels)); err != nil {
		return err
	}
	if voiced {
		v.silenceMs = 0
		return nil
	}
	v.silenceMs += af.DurationMs()
	if v.silenceMs < float64(v.cfg.SilenceThresholdMs) {
		return nil
	}

	stop := frame.NewUserStoppedSpeaking(v.trace, int(v.silenceMs))
	slog.Debug("vad: speech stopped", "trace_id", v.trace, "silence_ms", stop.SilenceMs)
	v.trace = ""
	v.voicedMs, v.silenceMs = 0, 0
	v.sess.Reset()
	return v.out.Push(ctx, stop)
}

// bargeIn posts INTERRUPT for the assistant's in-flight turn when the user
// starts speaking over it. With min words > 0 the decision needs transcript
// evidence, which only the orchestrator sees, so this stage stays quiet.
func (v *VAD) bargeIn() {
	if v.control == nil || v.active == nil {
		return
	}
	if !v.cfg.InterruptionEnabled || v.cfg.InterruptionMinWords > 0 {
		return
	}
	if trace, busy := v.active.Get(); busy {
		v.control.Publish(frame.NewControl(frame.ControlInterrupt, trace))
		slog.Debug("vad: barge-in", "interrupted_trace_id", trace)
	}
}
