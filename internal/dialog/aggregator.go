package dialog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vocero-ai/vocero/internal/mcp"
	"github.com/vocero-ai/vocero/internal/mcp/tools/endcall"
	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/internal/pipeline"
	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/history"
	"github.com/vocero-ai/vocero/pkg/provider/llm"
)

// Aggregation defaults.
const (
	// DefaultMaxToolDepth bounds chained tool rounds within one turn.
	DefaultMaxToolDepth = 5

	// DefaultHoldThreshold is how long a tool call may run before the
	// synthesis stage is told to cover the silence.
	DefaultHoldThreshold = 500 * time.Millisecond
)

// AggregatorConfig parameterises the dialog layer of one call.
type AggregatorConfig struct {
	// SystemPrompt and Tools are sent on every completion request.
	SystemPrompt string
	Tools        []llm.ToolDefinition

	// Temperature and MaxTokens pass through to the provider.
	Temperature float64
	MaxTokens   int

	// ContextWindow caps the number of history messages per request, newest
	// kept. 0 sends everything.
	ContextWindow int

	// MaxToolDepth and HoldThreshold; ≤0 selects the package defaults.
	MaxToolDepth  int
	HoldThreshold time.Duration

	// Metrics receives tool latency. Nil selects the process-wide default.
	Metrics *observe.Metrics
}

// TurnStats capture what the pump observed for one assistant turn, feeding
// the turn's history record.
type TurnStats struct {
	// FirstTokenAt is the monotonic timestamp of the turn's first content
	// chunk, zero when the turn produced no text.
	FirstTokenAt int64

	// Tools lists the turn's tool invocations in execution order.
	Tools []history.ToolCallRecord
}

// Aggregator is the dialog pump between the model stream and synthesis. It
// folds streamed chunks into the conversation context, forwards speakable
// content downstream, runs the tool loop through the host, and re-enters the
// model with tool results. The orchestrator opens turns and commits spoken
// counts through it; errors and hangup flags on the model hop ride through
// to the orchestrator's event hop untouched.
type Aggregator struct {
	host   mcp.Host
	conv   *ConversationContext
	cfg    AggregatorConfig
	in     *pipeline.Queue // model chunks
	tts    *pipeline.Queue // speakable content downstream
	events *pipeline.Queue // orchestrator event hop
	reqs   chan<- pipeline.TurnRequest
	m      *observe.Metrics

	// Pump-goroutine state.
	trace  string
	depth  int
	forced bool

	// Turn stats, read by the orchestrator at turn end.
	statsMu    sync.Mutex
	stats      TurnStats
	statsTrace string
}

// NewAggregator builds the dialog pump reading model chunks from in, writing
// speakable content to tts and pass-through events to events, and submitting
// completion requests on reqs.
func NewAggregator(host mcp.Host, conv *ConversationContext, cfg AggregatorConfig, in, tts, events *pipeline.Queue, reqs chan<- pipeline.TurnRequest) *Aggregator {
	if cfg.MaxToolDepth <= 0 {
		cfg.MaxToolDepth = DefaultMaxToolDepth
	}
	if cfg.HoldThreshold <= 0 {
		cfg.HoldThreshold = DefaultHoldThreshold
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Aggregator{host: host, conv: conv, cfg: cfg, in: in, tts: tts, events: events, reqs: reqs, m: m}
}

// AppendUser records a finished user utterance ahead of StartTurn.
func (a *Aggregator) AppendUser(text string) { a.conv.AppendUser(text) }

// StartTurn opens a generated assistant turn under trace and submits the
// completion request.
func (a *Aggregator) StartTurn(ctx context.Context, trace string) error {
	a.conv.BeginTurn(trace)
	return a.enterModel(ctx, trace)
}

// CommitSpoken applies the spoken-sentence count after an interruption.
func (a *Aggregator) CommitSpoken(trace string, sentences int) {
	a.conv.CommitSpoken(trace, sentences)
}

// AbandonTurn closes trace so nothing more of it reaches the context or the
// voice. It covers the barge-in race where the completion request was still
// queued when the cut landed: whatever the model still produces for the turn
// is dropped at the stale-trace gate.
func (a *Aggregator) AbandonTurn(trace string) {
	if trace != "" && trace == a.conv.Trace() {
		a.conv.BeginTurn("")
	}
}

// TakeTurnStats returns and clears the stats recorded for trace. Stats for
// any other turn return empty.
func (a *Aggregator) TakeTurnStats(trace string) TurnStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	if trace == "" || trace != a.statsTrace {
		return TurnStats{}
	}
	s := a.stats
	a.stats = TurnStats{}
	a.statsTrace = ""
	return s
}

// TurnText returns the assistant text committed so far for the current turn.
func (a *Aggregator) TurnText() string { return a.conv.TurnAssistantText() }

func (a *Aggregator) noteFirstToken(trace string, at int64) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	a.ensureStatsLocked(trace)
	if a.stats.FirstTokenAt == 0 {
		a.stats.FirstTokenAt = at
	}
}

func (a *Aggregator) noteTool(trace string, rec history.ToolCallRecord) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	a.ensureStatsLocked(trace)
	a.stats.Tools = append(a.stats.Tools, rec)
}

func (a *Aggregator) ensureStatsLocked(trace string) {
	if a.statsTrace != trace {
		a.statsTrace = trace
		a.stats = TurnStats{}
	}
}

// SpeakScripted plays a fixed utterance as its own assistant turn without
// touching the model: the opening message, idle prompts, and spoken
// fallbacks. Callers only invoke it while no generated turn is in flight.
func (a *Aggregator) SpeakScripted(ctx context.Context, trace, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	a.conv.BeginTurn(trace)
	a.conv.AppendAssistant(text)
	if err := a.tts.Push(ctx, frame.NewLLMContent(trace, text)); err != nil {
		return err
	}
	return a.tts.Push(ctx, frame.NewLLMFinish(trace, frame.FinishStop))
}

// Messages exposes the conversation history for the end-of-call flush.
func (a *Aggregator) Messages() []llm.Message { return a.conv.Messages() }

// Run pumps model chunks until ctx is cancelled or the inbound queue closes.
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		f, err := a.in.Pop(ctx)
		if err != nil {
			return pipeline.StopCause(err)
		}
		switch fr := f.(type) {
		case frame.LLMChunk:
			err = a.onChunk(ctx, fr)
		default:
			err = a.events.Push(ctx, f)
		}
		if err != nil {
			return pipeline.StopCause(err)
		}
	}
}

func (a *Aggregator) onChunk(ctx context.Context, c frame.LLMChunk) error {
	trace := c.TraceID()
	if trace != a.conv.Trace() {
		// A superseded turn; its content must not reach the voice.
		if c.Terminal() {
			slog.Debug("dialog: dropped stale terminal",
				"trace_id", trace, "finish", string(c.FinishReason))
		}
		return nil
	}
	if a.trace != trace {
		a.trace = trace
		a.depth = 0
		a.forced = false
	}

	if c.FunctionCall != nil {
		a.conv.AppendToolCallDelta(trace, *c.FunctionCall)
	}
	if c.Content != "" {
		a.noteFirstToken(trace, c.Timestamp())
		a.conv.AppendAssistantDelta(trace, c.Content)
	}
	if c.Terminal() {
		return a.onFinish(ctx, c)
	}
	if c.Content == "" {
		// Pure tool fragments are not speakable.
		return nil
	}
	return a.tts.Push(ctx, c)
}

func (a *Aggregator) onFinish(ctx context.Context, c frame.LLMChunk) error {
	trace := c.TraceID()
	calls := a.conv.Finish(trace, c.FinishReason)

	if c.FinishReason != frame.FinishToolCalls {
		a.depth = 0
		a.forced = false
		return a.tts.Push(ctx, c)
	}

	a.depth++
	if a.depth > a.cfg.MaxToolDepth {
		a.refuseToolCalls(trace, calls)
		if a.forced {
			// The model requested tools again with none offered. Nothing
			// left to do but close the turn ourselves.
			slog.Warn("dialog: tool calls after forced stop, ending turn",
				"trace_id", trace, "depth", a.depth)
			a.depth = 0
			a.forced = false
			return a.tts.Push(ctx, frame.NewLLMFinish(trace, frame.FinishStop))
		}
		slog.Warn("dialog: tool loop depth exceeded, forcing a final reply",
			"trace_id", trace, "depth", a.depth)
		a.forced = true
		if err := a.tts.Push(ctx, c); err != nil {
			return err
		}
		return a.enterForcedStop(ctx, trace)
	}

	// Let synthesis see the round boundary without closing the utterance.
	if err := a.tts.Push(ctx, c); err != nil {
		return err
	}
	if err := a.runTools(ctx, trace, calls); err != nil {
		return err
	}
	if trace != a.conv.Trace() {
		// Abandoned while the tools ran; do not wake the model for it.
		return nil
	}
	return a.enterModel(ctx, trace)
}

func (a *Aggregator) runTools(ctx context.Context, trace string, calls []llm.ToolCall) error {
	for _, call := range calls {
		if call.Name == endcall.Name {
			// The handler only acknowledges; the orchestrator winds the call
			// down once the farewell finishes playing.
			if err := a.events.Push(ctx, frame.NewHangupRequested(trace, hangupReason(call.Arguments))); err != nil {
				return err
			}
		}
		result := a.execute(ctx, trace, call)
		if trace != a.conv.Trace() {
			return nil
		}
		a.conv.AppendToolResult(call.ID, result)
	}
	return nil
}

// execute runs one tool call, covering waits past the hold threshold with a
// hold signal so the synthesis stage can keep the line from going dead.
func (a *Aggregator) execute(ctx context.Context, trace string, call llm.ToolCall) string {
	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	rec := history.ToolCallRecord{Name: call.Name, Arguments: args}
	if a.host == nil {
		rec.Result, rec.IsError = "error: no tool host is configured", true
		a.noteTool(trace, rec)
		return rec.Result
	}

	expected := a.host.ExpectedDurationMs(call.Name)
	if expected > a.cfg.HoldThreshold.Milliseconds() {
		a.tts.TryPush(frame.NewToolPending(trace, call.Name, expected))
	} else {
		hold := time.AfterFunc(a.cfg.HoldThreshold, func() {
			a.tts.TryPush(frame.NewToolPending(trace, call.Name, expected))
		})
		defer hold.Stop()
	}

	started := time.Now()
	res, err := a.host.ExecuteTool(ctx, call.Name, args)
	elapsed := time.Since(started)
	a.m.RecordToolDuration(ctx, call.Name, float64(elapsed.Microseconds())/1000)
	rec.DurationMs = elapsed.Milliseconds()
	switch {
	case err != nil:
		// Transport failure is still conversational data: the model gets a
		// chance to recover or apologise.
		slog.Warn("dialog: tool transport failure", "tool", call.Name, "error", err)
		rec.Result, rec.IsError = "error: "+err.Error(), true
	case res.IsError:
		slog.Info("dialog: tool returned error", "tool", call.Name, "result", res.Content)
		rec.Result, rec.IsError = res.Content, true
	default:
		rec.Result = res.Content
	}
	a.noteTool(trace, rec)
	return rec.Result
}

// refuseToolCalls appends a synthetic error result per call so the history
// stays well formed when the loop is cut short.
func (a *Aggregator) refuseToolCalls(trace string, calls []llm.ToolCall) {
	for _, call := range calls {
		a.noteTool(trace, history.ToolCallRecord{
			Name:      call.Name,
			Arguments: call.Arguments,
			Result:    "error: tool call limit reached for this turn",
			IsError:   true,
		})
		a.conv.AppendToolResult(call.ID, "error: tool call limit reached for this turn")
	}
}

func (a *Aggregator) enterModel(ctx context.Context, trace string) error {
	return a.submit(ctx, trace, a.cfg.Tools)
}

// enterForcedStop re-invokes the model with tools withheld so the refusal
// results turn into a spoken wrap-up instead of dead air.
func (a *Aggregator) enterForcedStop(ctx context.Context, trace string) error {
	return a.submit(ctx, trace, nil)
}

// submit assembles the provider request from the windowed history.
func (a *Aggregator) submit(ctx context.Context, trace string, tools []llm.ToolDefinition) error {
	req := llm.Request{
		SystemPrompt: a.cfg.SystemPrompt,
		Messages:     a.conv.Window(a.cfg.ContextWindow),
		Tools:        tools,
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxTokens,
	}
	select {
	case a.reqs <- pipeline.TurnRequest{TraceID: trace, Req: req}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hangupReason extracts the optional reason from end_call arguments.
func hangupReason(args string) string {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(args), &payload); err != nil {
		return ""
	}
	return payload.Reason
}
