// Package dialog maintains the conversation context of one call and pumps
// the model stream into it: streamed content is forwarded to synthesis as it
// arrives, tool-call fragments are folded into complete invocations and run
// through the tool host, and interrupted turns are committed at the exact
// sentence the caller last heard.
package dialog

import (
	"sort"
	"strings"
	"sync"

	"github.com/vocero-ai/vocero/internal/pipeline"
	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/llm"
)

// ConversationContext is the message history of one call plus the in-flight
// state of the current assistant turn. Generated text enters as streamed
// deltas and is committed only when its turn resolves, so an interrupted
// turn contributes exactly the sentences that reached the caller.
//
// Safe for concurrent use: the aggregator goroutine feeds deltas while the
// orchestrator opens turns and commits spoken counts on barge-in.
type ConversationContext struct {
	mu sync.Mutex

	messages []llm.Message
	trace    string

	partial   strings.Builder
	toolAccum map[int]*llm.ToolCall

	// lastAssistant indexes the current turn's committed assistant message,
	// -1 when none. turnStart marks where the current turn's messages begin.
	lastAssistant int
	turnStart     int

	// Interrupt bookkeeping. spokenWant stashes a spoken-sentence count that
	// arrived before the stream's terminal chunk; pendingText stashes text
	// cut before its count arrived; cutApplied makes the cut idempotent.
	spokenWant  int
	pendingCut  bool
	pendingText string
	cutApplied  bool

	sentenceChars int
}

// NewConversationContext builds an empty history. maxSentenceChars aligns
// interrupt truncation with the synthesis stage's sentence splitting; a
// value ≤ 0 selects the shared default.
func NewConversationContext(maxSentenceChars int) *ConversationContext {
	if maxSentenceChars <= 0 {
		maxSentenceChars = pipeline.MaxSentenceChars
	}
	return &ConversationContext{
		toolAccum:     make(map[int]*llm.ToolCall),
		lastAssistant: -1,
		spokenWant:    -1,
		sentenceChars: maxSentenceChars,
	}
}

// BeginTurn opens a new assistant turn under trace, discarding any
// unresolved state left by the previous one.
func (c *ConversationContext) BeginTurn(trace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace = trace
	c.partial.Reset()
	c.toolAccum = make(map[int]*llm.ToolCall)
	c.lastAssistant = -1
	c.turnStart = len(c.messages)
	c.spokenWant = -1
	c.pendingCut = false
	c.pendingText = ""
	c.cutApplied = false
}

// Trace returns the trace id of the current turn.
func (c *ConversationContext) Trace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trace
}

// AppendUser records a finished user utterance. Consecutive user messages
// merge, which happens when an interrupted assistant turn was discarded
// entirely.
func (c *ConversationContext) AppendUser(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == llm.RoleUser {
		c.messages[n-1].Content += " " + text
		return
	}
	c.messages = append(c.messages, llm.Message{Role: llm.RoleUser, Content: text})
}

// AppendAssistant commits a scripted assistant message directly, bypassing
// generation: the opening message, idle prompts, and spoken fallbacks.
func (c *ConversationContext) AppendAssistant(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitAssistantLocked(text, nil)
}

// AppendAssistantDelta accumulates streamed assistant text. Deltas for a
// trace other than the current turn are dropped.
func (c *ConversationContext) AppendAssistantDelta(trace, s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if trace != c.trace || s == "" {
		return
	}
	c.partial.WriteString(s)
}

// AppendToolCallDelta folds one streamed tool-call fragment into the
// invocation accumulating under its index.
func (c *ConversationContext) AppendToolCallDelta(trace string, d frame.FunctionCallDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if trace != c.trace {
		return
	}
	tc := c.toolAccum[d.Index]
	if tc == nil {
		tc = &llm.ToolCall{}
		c.toolAccum[d.Index] = tc
	}
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Name != "" {
		tc.Name = d.Name
	}
	tc.Arguments += d.ArgumentsPartial
}

// AppendToolResult records one tool invocation's outcome.
func (c *ConversationContext) AppendToolResult(callID, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: callID})
}

// Finish resolves the current generation round. A natural stop commits the
// accumulated text whole; tool_calls commits the assistant message carrying
// the accumulated invocations, which are returned for execution; an
// interrupted or failed round holds the text for CommitSpoken, or truncates
// immediately when the spoken count already arrived.
func (c *ConversationContext) Finish(trace string, reason frame.FinishReason) []llm.ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if trace != c.trace {
		return nil
	}
	text := strings.TrimSpace(c.partial.String())
	c.partial.Reset()
	calls := c.drainToolCallsLocked()

	switch reason {
	case frame.FinishToolCalls:
		c.commitAssistantLocked(text, calls)
		return calls
	case frame.FinishStop, frame.FinishLength:
		if text != "" {
			c.commitAssistantLocked(text, nil)
		}
		if c.spokenWant >= 0 && !c.cutApplied {
			c.truncateCommittedLocked(c.spokenWant)
			c.cutApplied = true
		}
		return nil
	case frame.FinishInterrupted, frame.FinishError:
		if c.cutApplied {
			return nil
		}
		if c.spokenWant >= 0 {
			c.commitTruncatedLocked(text, c.spokenWant)
			c.cutApplied = true
			return nil
		}
		c.pendingCut = true
		c.pendingText = text
		return nil
	default:
		return nil
	}
}

// CommitSpoken applies the spoken-sentence count delivered when trace's
// playback was cut. Idempotent, and tolerant of arriving before or after the
// stream's terminal chunk.
func (c *ConversationContext) CommitSpoken(trace string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if trace != c.trace || c.cutApplied {
		return
	}
	switch {
	case c.pendingCut:
		c.commitTruncatedLocked(c.pendingText, n)
		c.pendingCut = false
		c.pendingText = ""
		c.cutApplied = true
	case c.lastAssistant >= 0:
		// The turn had already committed in full; cut it back to what was
		// actually heard.
		c.truncateCommittedLocked(n)
		c.cutApplied = true
	default:
		c.spokenWant = n
	}
}

// Window returns up to limit of the most recent messages, everything when
// limit ≤ 0. The slice is a copy and never starts on a tool result whose
// call fell outside the window.
func (c *ConversationContext) Window(limit int) []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
		for len(msgs) > 0 && msgs[0].Role == llm.RoleTool {
			msgs = msgs[1:]
		}
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}

// TurnAssistantText joins everything the assistant said during the current
// turn, all tool rounds included, as it stands in the committed history. An
// interrupted turn therefore yields only the sentences that were heard.
func (c *ConversationContext) TurnAssistantText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.turnStart
	if start > len(c.messages) {
		start = len(c.messages)
	}
	var parts []string
	for _, m := range c.messages[start:] {
		if m.Role == llm.RoleAssistant && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, " ")
}

// Messages returns a copy of the full history.
func (c *ConversationContext) Messages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// drainToolCallsLocked returns the accumulated invocations in index order
// and resets the accumulator for the next round.
func (c *ConversationContext) drainToolCallsLocked() []llm.ToolCall {
	if len(c.toolAccum) == 0 {
		return nil
	}
	idx := make([]int, 0, len(c.toolAccum))
	for i := range c.toolAccum {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	calls := make([]llm.ToolCall, 0, len(idx))
	for _, i := range idx {
		calls = append(calls, *c.toolAccum[i])
	}
	c.toolAccum = make(map[int]*llm.ToolCall)
	return calls
}

func (c *ConversationContext) commitAssistantLocked(text string, calls []llm.ToolCall) {
	c.messages = append(c.messages, llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: calls})
	c.lastAssistant = len(c.messages) - 1
}

func (c *ConversationContext) commitTruncatedLocked(text string, n int) {
	kept := c.truncateSentences(text, n)
	if kept == "" {
		c.lastAssistant = -1
		return
	}
	c.commitAssistantLocked(kept, nil)
}

func (c *ConversationContext) truncateCommittedLocked(n int) {
	i := c.lastAssistant
	if i < 0 || i >= len(c.messages) {
		return
	}
	kept := c.truncateSentences(c.messages[i].Content, n)
	if kept == "" && len(c.messages[i].ToolCalls) == 0 {
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
		c.lastAssistant = -1
		return
	}
	c.messages[i].Content = kept
}

// truncateSentences keeps the first n sentences using the same boundaries
// the synthesis stage splits on, so the history matches what was heard.
func (c *ConversationContext) truncateSentences(text string, n int) string {
	if n <= 0 {
		return ""
	}
	ss := pipeline.SplitSentences(text, c.sentenceChars)
	if n >= len(ss) {
		return text
	}
	return strings.Join(ss[:n], " ")
}
