package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/dialog"
	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/internal/pipeline"
	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/history"
)

// Lifecycle defaults, applied when the snapshot leaves a bound unset.
const (
	defaultIdleTimeout = 5 * time.Second
	defaultMaxDuration = 600 * time.Second
)

// userTurn tracks the open user utterance between its speech brackets.
type userTurn struct {
	trace       string
	startedWall time.Time
	firstTextAt int64
	finals      []string
}

// asstTurn tracks the in-flight assistant turn from dispatch to its end
// bracket.
type asstTurn struct {
	trace string
	busy  bool

	// bargePending dedupes the word-count barge trigger.
	bargePending bool

	// hangupAfter ends the call once playback completes; fatalAfter does
	// the same for the farewell played after a fatal port error.
	hangupAfter bool
	fatalAfter  bool

	userText    string
	startedWall time.Time

	// endOfSpeech is the monotonic end of the user's speech, zero for
	// scripted turns. sttFirstMs and ttsStartAt feed the latency breakdown.
	endOfSpeech int64
	sttFirstMs  int64
	ttsStartAt  int64
}

// orchestrator is the session's arbiter. It is the only consumer of the
// control channel and the only writer of the state machine; it opens turns
// through the aggregator, cuts them through the stage handles, and builds
// the per-turn history records. Everything here runs on one goroutine.
type orchestrator struct {
	log     *slog.Logger
	m       *observe.Metrics
	snap    config.Snapshot
	machine *Machine
	ctrl    *pipeline.ControlChannel
	active  *pipeline.ActiveTurn
	agg     *dialog.Aggregator
	llm     *pipeline.LLM
	tts     *pipeline.TTS
	qSTT    *pipeline.Queue
	qEvents *pipeline.Queue
	reason  *endReason
	stop    context.CancelFunc

	user userTurn
	asst asstTurn

	idleRetries int
	records     []history.TurnRecord

	// pendingIdx marks an interrupted turn's record whose text must be
	// re-read once the truncated commit folds in. -1 when none.
	pendingIdx int
}

// run is the orchestrator loop. Control signals preempt data: every wake-up
// drains the control channel before touching the transcript or event hops.
func (o *orchestrator) run(ctx context.Context) error {
	o.pendingIdx = -1
	o.machine.Apply(EventSessionStart)
	if o.snap.LLM.FirstMessageMode == config.FirstMessageSpeakFirst {
		o.speakScripted(ctx, o.snap.LLM.FirstMessage)
	}

	idle := time.NewTimer(o.idleTimeout())
	defer idle.Stop()
	maxDur := time.NewTimer(o.maxDuration())
	defer maxDur.Stop()

	for {
		for {
			msg, ok := o.ctrl.Take()
			if !ok {
				break
			}
			if o.handleControl(ctx, msg) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil

		case <-o.ctrl.Notify():
			// Drained at the top of the loop.

		case f := <-o.qSTT.Frames():
			if f != nil && o.onUser(ctx, f, idle) {
				return nil
			}

		case f := <-o.qEvents.Frames():
			if f != nil && o.onEvent(ctx, f, idle) {
				return nil
			}

		case <-o.qSTT.Done():
			o.sweep(ctx, idle)
			return nil

		case <-o.qEvents.Done():
			o.sweep(ctx, idle)
			return nil

		case <-idle.C:
			if o.onIdle(ctx) {
				return nil
			}
			idle.Reset(o.idleTimeout())

		case <-maxDur.C:
			o.log.Warn("max call duration reached")
			o.reason.set("max_duration")
			o.shutdownNow(ctx)
			return nil
		}
	}
}

// sweep consumes what was already queued when the pipeline began closing,
// so committed turns and playback brackets are not lost from the record.
func (o *orchestrator) sweep(ctx context.Context, idle *time.Timer) {
	for {
		for {
			msg, ok := o.ctrl.Take()
			if !ok {
				break
			}
			if o.handleControl(ctx, msg) {
				return
			}
		}
		select {
		case f := <-o.qSTT.Frames():
			if f != nil && o.onUser(ctx, f, idle) {
				return
			}
		case f := <-o.qEvents.Frames():
			if f != nil && o.onEvent(ctx, f, idle) {
				return
			}
		default:
			return
		}
	}
}

// handleControl reacts to one control signal. It returns true when the
// session must stop.
func (o *orchestrator) handleControl(ctx context.Context, msg frame.ControlMessage) bool {
	switch msg.Kind {
	case frame.ControlEmergencyStop:
		o.log.Info("emergency stop", slog.String("trace_id", msg.TraceID))
		o.shutdownNow(ctx)
		return true

	case frame.ControlInterrupt:
		if !o.asst.busy || msg.TraceID != o.asst.trace {
			o.log.Debug("stale interrupt dropped", slog.String("trace_id", msg.TraceID))
			return false
		}
		// A barge-in on the post-error farewell still ends the call; a
		// barge-in on a goodbye cancels the pending hangup, the caller
		// clearly is not done.
		fatal := o.asst.fatalAfter
		o.cutTurn(ctx, msg, true)
		if fatal {
			o.reason.set("fatal_error")
			o.shutdownNow(ctx)
			return true
		}
		return false

	case frame.ControlCancelTurn:
		if !o.asst.busy || msg.TraceID != o.asst.trace {
			return false
		}
		o.cutTurn(ctx, msg, false)
		return false
	}
	return false
}

// cutTurn stops the in-flight assistant turn: cancel generation, cut
// synthesis, commit what was heard, and record the turn as interrupted.
// measure selects the barge-in latency metric.
func (o *orchestrator) cutTurn(ctx context.Context, msg frame.ControlMessage, measure bool) {
	trace := o.asst.trace
	streamed := o.llm.Interrupt(trace)
	spoken, cut := o.tts.Interrupt(trace)
	if !cut {
		spoken = 0
	}
	o.agg.CommitSpoken(trace, spoken)
	if !streamed && !cut {
		// The completion request never reached the model stage; nothing
		// will fold a terminal for this turn, so retire it here.
		o.agg.AbandonTurn(trace)
	}
	o.machine.Apply(EventInterrupt)
	if measure {
		o.m.InterruptLatency.Record(ctx, float64(frame.Now()-msg.PostedAt)/1e6)
	}
	o.log.Info("turn interrupted",
		slog.String("trace_id", trace), slog.Int("sentences_spoken", spoken))
	o.finishAssistantTurn(ctx, frame.Now(), true)
}

// onUser reacts to one frame from the transcript hop. It returns true when
// the session must stop.
func (o *orchestrator) onUser(ctx context.Context, f frame.Frame, idle *time.Timer) bool {
	switch t := f.(type) {
	case frame.UserStartedSpeaking:
		o.user = userTurn{trace: t.TraceID(), startedWall: time.Now()}
		if o.machine.State() == StateListening {
			o.machine.Apply(EventUserStartedSpeaking)
		}
		o.resetIdle(idle)

	case frame.TextFrame:
		o.onTranscript(t)
		o.resetIdle(idle)

	case frame.UserStoppedSpeaking:
		o.commitUserTurn(ctx, t)
		o.resetIdle(idle)

	case frame.ErrorFrame:
		return o.onPortError(ctx, t)

	default:
		o.log.Debug("unexpected frame on transcript hop")
	}
	return false
}

// onTranscript folds one partial or final into the open utterance.
func (o *orchestrator) onTranscript(t frame.TextFrame) {
	if o.user.trace == "" || t.TraceID() != o.user.trace {
		if !t.IsPartial && strings.TrimSpace(t.Text) != "" {
			// A final that surfaced after its turn closed. Configuration
			// opted in to keeping these, so fold it into the context for
			// the next completion.
			o.agg.AppendUser(t.Text)
			o.log.Debug("late final appended", slog.String("trace_id", t.TraceID()))
		}
		return
	}
	if o.user.firstTextAt == 0 {
		o.user.firstTextAt = t.Timestamp()
	}
	if t.IsPartial {
		o.maybeBargeOnWords(t)
		return
	}
	o.user.finals = append(o.user.finals, t.Text)
}

// maybeBargeOnWords publishes INTERRUPT once the caller's overlapping
// partial reaches the configured word count. Only in play when barge-in is
// deferred to the transcript side (min words > 0); instant barge-in is the
// turn detection stage's job.
func (o *orchestrator) maybeBargeOnWords(t frame.TextFrame) {
	if !o.asst.busy || o.asst.bargePending {
		return
	}
	want := o.snap.Interruption.MinWords
	if !o.snap.Interruption.Enabled || want <= 0 {
		return
	}
	if len(strings.Fields(t.Text)) < want {
		return
	}
	o.asst.bargePending = true
	o.ctrl.Publish(frame.NewControl(frame.ControlInterrupt, o.asst.trace))
}

// commitUserTurn closes the utterance and, when it carried text, dispatches
// the assistant turn under the same trace.
func (o *orchestrator) commitUserTurn(ctx context.Context, stop frame.UserStoppedSpeaking) {
	user := o.user
	o.user = userTurn{}
	if user.trace == "" || stop.TraceID() != user.trace {
		return
	}

	text := strings.TrimSpace(strings.Join(user.finals, " "))
	if o.machine.State() != StateListening {
		// The caller spoke over the assistant without crossing the barge
		// gate; the assistant keeps the floor.
		if text != "" {
			o.log.Debug("overlapping speech discarded", slog.String("trace_id", user.trace))
		}
		return
	}
	if text == "" {
		o.machine.Apply(EventUserTurnEmpty)
		return
	}

	o.machine.Apply(EventUserTurnReady)
	o.idleRetries = 0
	o.resolvePendingRecord()
	o.agg.AppendUser(text)
	if err := o.agg.StartTurn(ctx, user.trace); err != nil {
		return
	}
	o.active.Set(user.trace, true)

	endOfSpeech := stop.Timestamp() - int64(stop.SilenceMs)*int64(time.Millisecond)
	var sttFirst int64
	if user.firstTextAt > 0 {
		sttFirst = clampMs(user.firstTextAt - endOfSpeech)
	}
	o.asst = asstTurn{
		trace:       user.trace,
		busy:        true,
		userText:    text,
		startedWall: user.startedWall,
		endOfSpeech: endOfSpeech,
		sttFirstMs:  sttFirst,
	}
}

// onEvent reacts to one frame from the event hop. It returns true when the
// session must stop.
func (o *orchestrator) onEvent(ctx context.Context, f frame.Frame, idle *time.Timer) bool {
	switch t := f.(type) {
	case frame.TTSStart:
		if !o.asst.busy || t.TraceID() != o.asst.trace {
			o.log.Debug("stale synthesis bracket dropped", slog.String("trace_id", t.TraceID()))
			return false
		}
		o.asst.ttsStartAt = t.Timestamp()
		o.machine.Apply(EventAssistantAudio)
		if o.asst.endOfSpeech > 0 {
			o.m.TurnTotal.Record(ctx, float64(t.Timestamp()-o.asst.endOfSpeech)/1e6)
		}

	case frame.TTSEnd:
		return o.onTTSEnd(ctx, t, idle)

	case frame.HangupRequested:
		if o.asst.busy && t.TraceID() == o.asst.trace {
			// Let the goodbye play out; the turn's end bracket ends the call.
			o.asst.hangupAfter = true
			return false
		}
		o.reason.set("end_call_tool")
		o.shutdownNow(ctx)
		return true

	case frame.ErrorFrame:
		return o.onPortError(ctx, t)

	default:
		o.log.Debug("unexpected frame on event hop")
	}
	return false
}

// onTTSEnd closes the assistant turn on its playback bracket. It returns
// true when the session must stop.
func (o *orchestrator) onTTSEnd(ctx context.Context, end frame.TTSEnd, idle *time.Timer) bool {
	if !o.asst.busy || end.TraceID() != o.asst.trace {
		o.log.Debug("stale synthesis bracket dropped",
			slog.String("trace_id", end.TraceID()), slog.String("cause", string(end.Cause)))
		return false
	}
	hangup, fatal := o.asst.hangupAfter, o.asst.fatalAfter

	interrupted := end.Cause == frame.EndInterrupted
	if interrupted {
		o.agg.CommitSpoken(end.TraceID(), end.SentencesSpoken)
		o.machine.Apply(EventInterrupt)
	} else if o.machine.State() == StateSpeaking {
		o.machine.Apply(EventAssistantDone)
	} else {
		o.machine.Apply(EventAssistantIdle)
	}
	o.finishAssistantTurn(ctx, end.Timestamp(), interrupted)
	o.resetIdle(idle)

	switch {
	case fatal:
		o.reason.set("fatal_error")
		o.shutdownNow(ctx)
		return true
	case hangup && !interrupted:
		o.reason.set("end_call_tool")
		o.shutdownNow(ctx)
		return true
	}
	return false
}

// onPortError applies the escalation policy: recoverable errors are logged
// and the call carries on; fatal ones end it, through the configured
// farewell when the voice still works. It returns true when the session
// must stop.
func (o *orchestrator) onPortError(ctx context.Context, e frame.ErrorFrame) bool {
	if e.Retryable {
		o.log.Warn("recoverable port error",
			slog.String("port", e.Port),
			slog.String("kind", e.Kind.String()),
			slog.Any("err", e.Err))
		return false
	}
	o.log.Error("fatal port error",
		slog.String("port", e.Port),
		slog.String("kind", e.Kind.String()),
		slog.Any("err", e.Err))

	if o.asst.busy && e.TraceID() == o.asst.trace {
		o.cutTurn(ctx, frame.ControlMessage{TraceID: e.TraceID()}, false)
	}

	farewell := strings.TrimSpace(o.snap.Session.FallbackUtterance)
	if e.Port == "tts" || farewell == "" {
		o.reason.set("fatal_error")
		o.shutdownNow(ctx)
		return true
	}
	o.speakScripted(ctx, farewell)
	if !o.asst.busy {
		o.reason.set("fatal_error")
		o.shutdownNow(ctx)
		return true
	}
	o.asst.fatalAfter = true
	return false
}

// onIdle fires when the caller has been quiet for the idle window. It
// returns true when the retry budget is spent and the session must stop.
func (o *orchestrator) onIdle(ctx context.Context) bool {
	if o.machine.State() != StateListening || o.machine.Voiced() || o.asst.busy {
		return false
	}
	if o.idleRetries >= o.snap.Session.InactivityMaxRetries {
		o.log.Info("idle retries exhausted", slog.Int("retries", o.idleRetries))
		o.reason.set("idle_timeout")
		o.shutdownNow(ctx)
		return true
	}
	o.idleRetries++
	o.log.Info("idle prompt", slog.Int("retry", o.idleRetries))
	o.speakScripted(ctx, o.snap.Session.IdleMessage)
	return false
}

// speakScripted dispatches a fixed utterance (greeting, idle prompt,
// farewell) as its own barge-able assistant turn.
func (o *orchestrator) speakScripted(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" || o.asst.busy {
		return
	}
	if _, ok := o.machine.Apply(EventAssistantTurn); !ok {
		return
	}
	o.resolvePendingRecord()
	trace := frame.NewTraceID()
	if err := o.agg.SpeakScripted(ctx, trace, text); err != nil {
		return
	}
	o.active.Set(trace, true)
	o.asst = asstTurn{trace: trace, busy: true, startedWall: time.Now()}
}

// finishAssistantTurn retires the in-flight turn and appends its record.
func (o *orchestrator) finishAssistantTurn(ctx context.Context, playbackEnd int64, interrupted bool) {
	a := o.asst
	o.asst = asstTurn{}
	o.active.Set(a.trace, false)

	stats := o.agg.TakeTurnStats(a.trace)
	rec := history.TurnRecord{
		CallID:        o.snap.CallID,
		TraceID:       a.trace,
		StartedAt:     a.startedWall,
		EndedAt:       time.Now(),
		UserText:      a.userText,
		AssistantText: o.agg.TurnText(),
		ToolCalls:     stats.Tools,
		Interrupted:   interrupted,
	}
	if a.endOfSpeech > 0 {
		lat := history.LatencyBreakdown{
			STTFirstResultMs: a.sttFirstMs,
			TurnTotalMs:      clampMs(playbackEnd - a.endOfSpeech),
		}
		if stats.FirstTokenAt > 0 {
			lat.LLMFirstTokenMs = clampMs(stats.FirstTokenAt - a.endOfSpeech)
		}
		if a.ttsStartAt > 0 {
			lat.TTSFirstAudioMs = clampMs(a.ttsStartAt - a.endOfSpeech)
		}
		rec.Latency = lat
	}
	o.records = append(o.records, rec)
	if interrupted {
		// The truncated commit folds in behind the cut; re-read the text
		// at the next turn boundary.
		o.pendingIdx = len(o.records) - 1
	}
	o.m.RecordTurn(ctx, interrupted)
}

// resolvePendingRecord re-reads an interrupted turn's text once the context
// has settled. Must run before the next turn begins.
func (o *orchestrator) resolvePendingRecord() {
	if o.pendingIdx < 0 {
		return
	}
	o.records[o.pendingIdx].AssistantText = o.agg.TurnText()
	o.pendingIdx = -1
}

// shutdownNow cuts whatever is in flight, stops the machine, and cancels
// the worker tree. The end reason must be set by the caller.
func (o *orchestrator) shutdownNow(ctx context.Context) {
	if o.asst.busy {
		o.cutTurn(ctx, frame.ControlMessage{TraceID: o.asst.trace}, false)
	}
	o.machine.Apply(EventEmergencyStop)
	o.stop()
}

func (o *orchestrator) idleTimeout() time.Duration {
	if ms := o.snap.Session.IdleTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultIdleTimeout
}

func (o *orchestrator) maxDuration() time.Duration {
	if s := o.snap.Session.MaxDurationS; s > 0 {
		return time.Duration(s) * time.Second
	}
	return defaultMaxDuration
}

func (o *orchestrator) resetIdle(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(o.idleTimeout())
}

func clampMs(ns int64) int64 {
	if ns < 0 {
		return 0
	}
	return ns / int64(time.Millisecond)
}
