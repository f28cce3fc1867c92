package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/llm"
)

// endCallTag is the inline marker the model emits to request a hangup. It is
// stripped from the spoken text; detection survives tag splits across chunk
// boundaries.
const endCallTag = "[END_CALL]"

// TurnRequest pairs a completion request with the turn it answers. The
// context aggregator builds requests; this stage only streams them.
type TurnRequest struct {
	TraceID string
	Req     llm.Request
}

// StyleDirectives shape response delivery. Values come from the call
// profile's style block and are rendered into an instruction block appended
// to the system prompt of every completion.
type StyleDirectives struct {
	// ResponseLength is one of "short", "medium", "long", or empty.
	ResponseLength string

	// Tone is e.g. "warm", "neutral", "professional".
	Tone string

	// Formality is e.g. "informal", "formal".
	Formality string

	// Pacing is e.g. "slow", "moderate", "fast".
	Pacing string
}

var responseLengthHints = map[string]string{
	"short":  "Keep answers to one or two short sentences.",
	"medium": "Keep answers to two or three sentences.",
	"long":   "Answer thoroughly, but stay conversational.",
}

// render returns the instruction block, empty when no directive is set.
func (s StyleDirectives) render() string {
	var b strings.Builder
	add := func(line string) {
		if line == "" {
			return
		}
		if b.Len() == 0 {
			b.WriteString("Delivery instructions:")
		}
		b.WriteString("\n- ")
		b.WriteString(line)
	}
	if hint, ok := responseLengthHints[s.ResponseLength]; ok {
		add(hint)
	} else if s.ResponseLength != "" {
		add("Response length: " + s.ResponseLength)
	}
	if s.Tone != "" {
		add("Tone: " + s.Tone)
	}
	if s.Formality != "" {
		add("Formality: " + s.Formality)
	}
	if s.Pacing != "" {
		add("Speaking pace: " + s.Pacing)
	}
	return b.String()
}

// LLMConfig parameterises the generation stage.
type LLMConfig struct {
	// Style is rendered into every request's system prompt.
	Style StyleDirectives

	// Metrics receives stage latency and error counts. Nil selects the
	// process-wide default.
	Metrics *observe.Metrics
}

// LLM is the generation stage. It serves one completion at a time from the
// request channel and forwards chunks downstream unbatched, so the first
// sentence can start synthesis before generation finishes. The inline
// end-call tag is stripped from spoken text and surfaced as a
// HangupRequested frame.
//
// Interrupt cancels the in-flight stream; the stream then closes under a
// terminal interrupted chunk so every consumer still observes an end marker.
type LLM struct {
	provider llm.Provider
	style    StyleDirectives
	in       <-chan TurnRequest
	out      *Queue
	m        *observe.Metrics

	mu     sync.Mutex
	trace  string
	cancel context.CancelFunc
}

// NewLLM builds the generation stage reading requests from in and writing
// chunk frames to out.
func NewLLM(provider llm.Provider, cfg LLMConfig, in <-chan TurnRequest, out *Queue) *LLM {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &LLM{provider: provider, style: cfg.Style, in: in, out: out, m: m}
}

// Interrupt cancels the stream serving trace, if one is in flight. An empty
// trace cancels whatever is in flight. It reports whether a stream matched:
// false means the turn never reached the model stage, so no terminal chunk
// will follow for it. Safe to call from any goroutine.
func (l *LLM) Interrupt(trace string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil && (trace == "" || trace == l.trace) {
		l.cancel()
		return true
	}
	return false
}

// Run serves requests until ctx is cancelled or the request channel closes.
func (l *LLM) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-l.in:
			if !ok {
				return nil
			}
			if err := l.serve(ctx, req); err != nil {
				return StopCause(err)
			}
		}
	}
}

func (l *LLM) serve(ctx context.Context, tr TurnRequest) error {
	turnCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.trace, l.cancel = tr.TraceID, cancel
	l.mu.Unlock()
	defer func() {
		cancel()
		l.mu.Lock()
		l.trace, l.cancel = "", nil
		l.mu.Unlock()
	}()

	req := tr.Req
	if block := l.style.render(); block != "" {
		if req.SystemPrompt != "" {
			req.SystemPrompt += "\n\n"
		}
		req.SystemPrompt += block
	}

	started := time.Now()
	stream, err := l.provider.StreamCompletion(turnCtx, req)
	if err != nil {
		return l.fail(ctx, tr.TraceID, err)
	}

	scan := tagScanner{tag: endCallTag}
	ttfbKnown := false
	for {
		select {
		case <-turnCtx.Done():
			go drainLLM(stream)
			if ctx.Err() != nil {
				return nil
			}
			// Barge-in: close the turn under a terminal marker. Held tag
			// fragments die with the stream.
			return l.out.Push(ctx, frame.NewLLMFinish(tr.TraceID, frame.FinishInterrupted))
		case c, ok := <-stream:
			if !ok {
				// A protocol violation by the provider; promote to a stop
				// so the turn still closes.
				slog.Warn("llm: stream closed without a terminal finish reason",
					"trace_id", tr.TraceID)
				if err := l.flushTail(ctx, tr.TraceID, &scan); err != nil {
					return err
				}
				l.m.RecordStageTotal(ctx, observe.PortLLM, msSince(started))
				return l.out.Push(ctx, frame.NewLLMFinish(tr.TraceID, frame.FinishStop))
			}
			if c.Content != "" && !ttfbKnown {
				ttfbKnown = true
				l.m.RecordTTFB(ctx, observe.PortLLM, msSince(started))
			}
			if c.Terminal() {
				err := l.finish(ctx, tr.TraceID, c, &scan)
				l.m.RecordStageTotal(ctx, observe.PortLLM, msSince(started))
				return err
			}
			if err := l.forward(ctx, tr.TraceID, c, &scan); err != nil {
				return err
			}
		}
	}
}

func (l *LLM) forward(ctx context.Context, trace string, c llm.Chunk, scan *tagScanner) error {
	if c.ToolCall != nil {
		d := frame.FunctionCallDelta{
			Index:            c.ToolCall.Index,
			ID:               c.ToolCall.ID,
			Name:             c.ToolCall.Name,
			ArgumentsPartial: c.ToolCall.ArgumentsPartial,
		}
		return l.out.Push(ctx, frame.NewLLMFunctionCall(trace, d))
	}
	if c.Content == "" {
		return nil
	}
	if out := scan.scan(c.Content); out != "" {
		return l.out.Push(ctx, frame.NewLLMContent(trace, out))
	}
	return nil
}

// finish emits the terminal sequence: trailing content, the hangup marker
// when the end-call tag was seen, then the finish chunk.
func (l *LLM) finish(ctx context.Context, trace string, c llm.Chunk, scan *tagScanner) error {
	if c.FinishReason == llm.FinishError {
		err := c.Err
		if err == nil {
			err = errors.New("stream failed without a cause")
		}
		return l.fail(ctx, trace, err)
	}
	if c.Content != "" {
		if out := scan.scan(c.Content); out != "" {
			if err := l.out.Push(ctx, frame.NewLLMContent(trace, out)); err != nil {
				return err
			}
		}
	}
	if err := l.flushTail(ctx, trace, scan); err != nil {
		return err
	}
	if scan.found {
		slog.Info("llm: end-call tag detected", "trace_id", trace)
		if err := l.out.Push(ctx, frame.NewHangupRequested(trace, "")); err != nil {
			return err
		}
	}
	return l.out.Push(ctx, frame.NewLLMFinish(trace, frame.FinishReason(c.FinishReason)))
}

func (l *LLM) flushTail(ctx context.Context, trace string, scan *tagScanner) error {
	if tail := scan.flush(); tail != "" {
		return l.out.Push(ctx, frame.NewLLMContent(trace, tail))
	}
	return nil
}

func (l *LLM) fail(ctx context.Context, trace string, err error) error {
	kind, _ := frame.KindOf(err)
	l.m.RecordError(ctx, observe.PortLLM, kind.String())
	if perr := l.out.Push(ctx, frame.NewError(trace, "llm", kind, frame.IsRetryable(err), err)); perr != nil {
		return perr
	}
	return l.out.Push(ctx, frame.NewLLMFinish(trace, frame.FinishError))
}

// drainLLM empties a cancelled stream so the provider goroutine can exit.
func drainLLM(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// tagScanner strips every occurrence of tag from a text stream. It holds
// back any stream suffix that is a prefix of the tag, so a tag split across
// chunk boundaries is still caught.
type tagScanner struct {
	tag   string
	carry string
	found bool
}

// scan appends chunk to the held text and returns what is safe to emit.
func (t *tagScanner) scan(chunk string) string {
	s := t.carry + chunk
	for {
		i := strings.Index(s, t.tag)
		if i < 0 {
			break
		}
		t.found = true
		s = s[:i] + s[i+len(t.tag):]
	}
	hold := 0
	for n := min(len(t.tag)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, t.tag[:n]) {
			hold = n
			break
		}
	}
	t.carry = s[len(s)-hold:]
	return s[:len(s)-hold]
}

// flush releases held text at end of stream, when no continuation can
// complete a tag.
func (t *tagScanner) flush() string {
	c := t.carry
	t.carry = ""
	return c
}
