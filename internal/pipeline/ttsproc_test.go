package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/tts"
	ttsmock "github.com/vocero-ai/vocero/pkg/provider/tts/mock"
)

func ttsChunk(b byte) tts.AudioChunk {
	return tts.AudioChunk{PCM: []byte{b, b}, SampleRate: 16000}
}

func defaultTTSConfig() TTSConfig {
	return TTSConfig{SampleRate: 16000}
}

// driveTTS feeds frames through a synthesis stage whose queues have no
// consumers, running it to completion synchronously.
func driveTTS(t *testing.T, p tts.Provider, cfg TTSConfig, frames ...frame.Frame) (outFrames, eventFrames []frame.Frame) {
	t.Helper()
	in := NewQueue("agg-tts", 0)
	out := NewQueue("tts-out", 0)
	events := NewQueue("tts-events", 0)
	proc := NewTTS(p, cfg, in, out, events)
	ctx := context.Background()
	for _, f := range frames {
		if err := in.Push(ctx, f); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	in.Close()
	if err := proc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return collectFrames(out), collectFrames(events)
}

// stallingTTS completes the first completeFirst streams and holds every
// later one open until its context is cancelled.
type stallingTTS struct {
	mu            sync.Mutex
	calls         int
	completeFirst int
	chunk         tts.AudioChunk
}

func (s *stallingTTS) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.AudioChunk, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.mu.Unlock()
	ch := make(chan tts.AudioChunk, 1)
	ch <- s.chunk
	if call < s.completeFirst {
		close(ch)
		return ch, nil
	}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *stallingTTS) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestTTSSentenceBoundarySynthesis(t *testing.T) {
	p := &ttsmock.Provider{Chunks: []tts.AudioChunk{ttsChunk(1)}}
	out, events := driveTTS(t, p, defaultTTSConfig(),
		frame.NewLLMContent("t1", "Hello there. How "),
		frame.NewLLMContent("t1", "are you today?"),
		frame.NewLLMFinish("t1", frame.FinishStop),
	)

	if got := p.Calls(); got != 2 {
		t.Fatalf("synthesis calls = %d, want 2", got)
	}
	reqs := p.Requests()
	if reqs[0].Text != "Hello there." {
		t.Errorf("first sentence = %q, want %q", reqs[0].Text, "Hello there.")
	}
	if reqs[1].Text != "How are you today?" {
		t.Errorf("second sentence = %q, want %q", reqs[1].Text, "How are you today?")
	}

	if len(out) != 4 {
		t.Fatalf("out frames = %d, want 4 (start, 2 audio, end)", len(out))
	}
	if _, ok := out[0].(frame.TTSStart); !ok {
		t.Errorf("out[0] = %T, want TTSStart", out[0])
	}
	for i := 1; i <= 2; i++ {
		if _, ok := out[i].(frame.AudioFrame); !ok {
			t.Errorf("out[%d] = %T, want AudioFrame", i, out[i])
		}
	}
	end, ok := out[3].(frame.TTSEnd)
	if !ok {
		t.Fatalf("out[3] = %T, want TTSEnd", out[3])
	}
	if end.Cause != frame.EndNatural || end.SentencesSpoken != 2 {
		t.Errorf("end = (%v, %d), want (natural, 2)", end.Cause, end.SentencesSpoken)
	}

	if len(events) != 2 {
		t.Fatalf("event frames = %d, want 2", len(events))
	}
	if _, ok := events[0].(frame.TTSStart); !ok {
		t.Errorf("events[0] = %T, want TTSStart", events[0])
	}
	if e, ok := events[1].(frame.TTSEnd); !ok || e.Cause != frame.EndNatural {
		t.Errorf("events[1] = %#v, want natural TTSEnd", events[1])
	}
}

func TestTTSEmptyTurnStillSignalsEnd(t *testing.T) {
	p := &ttsmock.Provider{}
	out, events := driveTTS(t, p, defaultTTSConfig(),
		frame.NewLLMFinish("t1", frame.FinishStop),
	)

	if got := p.Calls(); got != 0 {
		t.Errorf("synthesis calls = %d, want 0", got)
	}
	if len(out) != 0 {
		t.Errorf("out frames = %d, want 0", len(out))
	}
	if len(events) != 1 {
		t.Fatalf("event frames = %d, want 1", len(events))
	}
	end, ok := events[0].(frame.TTSEnd)
	if !ok {
		t.Fatalf("events[0] = %T, want TTSEnd", events[0])
	}
	if end.Cause != frame.EndNatural || end.SentencesSpoken != 0 {
		t.Errorf("end = (%v, %d), want (natural, 0)", end.Cause, end.SentencesSpoken)
	}
}

func TestTTSRequestCarriesVoiceAndStyle(t *testing.T) {
	p := &ttsmock.Provider{Chunks: []tts.AudioChunk{ttsChunk(1)}}
	cfg := TTSConfig{
		Voice:       tts.VoiceSpec{ID: "v-nova", Language: "es-MX"},
		Rate:        1.1,
		Pitch:       0.9,
		Volume:      0.8,
		Style:       "warm",
		StyleDegree: 1.2,
		SampleRate:  8000,
	}
	driveTTS(t, p, cfg,
		frame.NewLLMContent("t1", "Hola, buenos dias. "),
		frame.NewLLMFinish("t1", frame.FinishStop),
	)

	req := p.LastRequest()
	if req.Voice.ID != "v-nova" || req.Voice.Language != "es-MX" {
		t.Errorf("voice = %+v, want v-nova/es-MX", req.Voice)
	}
	if req.Rate != 1.1 || req.Pitch != 0.9 || req.Volume != 0.8 {
		t.Errorf("prosody = (%v, %v, %v), want (1.1, 0.9, 0.8)", req.Rate, req.Pitch, req.Volume)
	}
	if req.Style != "warm" || req.StyleDegree != 1.2 {
		t.Errorf("style = (%q, %v), want (warm, 1.2)", req.Style, req.StyleDegree)
	}
	if req.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", req.SampleRate)
	}
	if req.BackpressureHint {
		t.Error("backpressure hint set on an uncongested call")
	}
}

func TestTTSInterruptCutsTurn(t *testing.T) {
	p := &stallingTTS{completeFirst: 1, chunk: ttsChunk(7)}
	in := NewQueue("agg-tts", 0)
	out := NewQueue("tts-out", 0)
	events := NewQueue("tts-events", 0)
	proc := NewTTS(p, defaultTTSConfig(), in, out, events)
	stop := startProc(t, proc.Run)

	ctx := context.Background()
	if err := in.Push(ctx, frame.NewLLMContent("t1", "One is done. Two is cut. ")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// First sentence completes, second stalls mid-stream.
	if _, ok := popFrame(t, out, 2*time.Second).(frame.TTSStart); !ok {
		t.Fatal("expected TTSStart before audio")
	}
	for i := 0; i < 2; i++ {
		if _, ok := popFrame(t, out, 2*time.Second).(frame.AudioFrame); !ok {
			t.Fatalf("expected audio frame %d", i)
		}
	}

	if _, ok := proc.Interrupt("other-turn"); ok {
		t.Fatal("interrupt matched a foreign trace")
	}
	spoken, ok := proc.Interrupt("t1")
	if !ok {
		t.Fatal("interrupt missed the active turn")
	}
	if spoken != 1 {
		t.Errorf("sentences spoken at cut = %d, want 1", spoken)
	}

	end, isEnd := popFrame(t, out, 2*time.Second).(frame.TTSEnd)
	if !isEnd {
		t.Fatal("expected in-band TTSEnd after interrupt")
	}
	if end.Cause != frame.EndInterrupted || end.SentencesSpoken != 1 {
		t.Errorf("end = (%v, %d), want (interrupted, 1)", end.Cause, end.SentencesSpoken)
	}

	// Late content for the cut turn is discarded, and its terminal marker
	// stays silent: the interrupter already owns the commit.
	if err := in.Push(ctx, frame.NewLLMContent("t1", "Never spoken. ")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := in.Push(ctx, frame.NewLLMFinish("t1", frame.FinishInterrupted)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	in.Close()
	stop()

	if got := p.Calls(); got != 2 {
		t.Errorf("synthesis calls = %d, want 2", got)
	}
	for _, f := range collectFrames(events) {
		if e, isTTSEnd := f.(frame.TTSEnd); isTTSEnd {
			t.Errorf("unexpected TTSEnd event after interrupt: %#v", e)
		}
	}
}

func TestTTSInterruptNoAudioAfterClearBracket(t *testing.T) {
	// Many chunks per sentence so the push loop saturates the unconsumed
	// outbound hop and an audio push is in flight when the cut lands.
	var chunks []tts.AudioChunk
	for i := 0; i < 100; i++ {
		chunks = append(chunks, ttsChunk(byte(i)))
	}
	p := &ttsmock.Provider{Chunks: chunks}
	in := NewQueue("agg-tts", 0)
	out := NewQueue("tts-out", 0)
	events := NewQueue("tts-events", 0)
	proc := NewTTS(p, defaultTTSConfig(), in, out, events)
	stop := startProc(t, proc.Run)

	ctx := context.Background()
	if err := in.Push(ctx, frame.NewLLMContent("t1", "A long reply. ")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for out.Depth() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no audio reached the outbound hop")
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := proc.Interrupt("t1"); !ok {
		t.Fatal("interrupt missed the active turn")
	}

	if err := in.Push(ctx, frame.NewLLMFinish("t1", frame.FinishStop)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	in.Close()
	stop()

	frames := collectFrames(out)
	endIdx := -1
	for i, f := range frames {
		if e, ok := f.(frame.TTSEnd); ok && e.Cause == frame.EndInterrupted {
			endIdx = i
		}
	}
	if endIdx == -1 {
		t.Fatal("no clear bracket on the outbound hop")
	}
	if trailing := frames[endIdx+1:]; len(trailing) != 0 {
		t.Errorf("frames after clear bracket = %#v, want none", trailing)
	}
}

func TestTTSInterruptIdleNoMatch(t *testing.T) {
	proc := NewTTS(&ttsmock.Provider{}, defaultTTSConfig(),
		NewQueue("agg-tts", 0), NewQueue("tts-out", 0), NewQueue("tts-events", 0))
	if spoken, ok := proc.Interrupt("t1"); ok || spoken != 0 {
		t.Errorf("idle interrupt = (%d, %v), want (0, false)", spoken, ok)
	}
}

func TestTTSTerminalInterruptWithoutPriorCut(t *testing.T) {
	p := &ttsmock.Provider{Chunks: []tts.AudioChunk{ttsChunk(1)}}
	out, events := driveTTS(t, p, defaultTTSConfig(),
		frame.NewLLMContent("t1", "Hi there. "),
		frame.NewLLMFinish("t1", frame.FinishInterrupted),
	)

	// The generation side was cut before synthesis was: the stage still owes
	// the orchestrator the end bracket with the spoken count.
	last := events[len(events)-1]
	end, ok := last.(frame.TTSEnd)
	if !ok {
		t.Fatalf("last event = %T, want TTSEnd", last)
	}
	if end.Cause != frame.EndInterrupted || end.SentencesSpoken != 1 {
		t.Errorf("end = (%v, %d), want (interrupted, 1)", end.Cause, end.SentencesSpoken)
	}
	if _, ok := out[len(out)-1].(frame.TTSEnd); !ok {
		t.Errorf("out missing in-band end bracket, last = %T", out[len(out)-1])
	}
}

func TestTTSToolCallTurnStaysOpen(t *testing.T) {
	p := &ttsmock.Provider{Chunks: []tts.AudioChunk{ttsChunk(1)}}
	out, events := driveTTS(t, p, defaultTTSConfig(),
		frame.NewLLMContent("t1", "Checking that for you. "),
		frame.NewLLMFinish("t1", frame.FinishToolCalls),
		frame.NewLLMContent("t1", "It arrives Monday. "),
		frame.NewLLMFinish("t1", frame.FinishStop),
	)

	starts := 0
	for _, f := range out {
		if _, ok := f.(frame.TTSStart); ok {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("TTSStart count = %d, want 1 (tool round trip must not close the turn)", starts)
	}
	end, ok := out[len(out)-1].(frame.TTSEnd)
	if !ok {
		t.Fatalf("last out = %T, want TTSEnd", out[len(out)-1])
	}
	if end.Cause != frame.EndNatural || end.SentencesSpoken != 2 {
		t.Errorf("end = (%v, %d), want (natural, 2)", end.Cause, end.SentencesSpoken)
	}
	endEvents := 0
	for _, f := range events {
		if _, ok := f.(frame.TTSEnd); ok {
			endEvents++
		}
	}
	if endEvents != 1 {
		t.Errorf("TTSEnd events = %d, want 1", endEvents)
	}
}

func TestTTSHoldAudioDuringToolWait(t *testing.T) {
	hold := make([]byte, 12800) // two 200ms chunks at 16kHz mono
	for i := range hold {
		if i < 6400 {
			hold[i] = 0xAA
		} else {
			hold[i] = 0xBB
		}
	}
	p := &ttsmock.Provider{Chunks: []tts.AudioChunk{ttsChunk(1)}}
	cfg := defaultTTSConfig()
	cfg.HoldAudio = hold

	in := NewQueue("agg-tts", 0)
	out := NewQueue("tts-out", 0)
	events := NewQueue("tts-events", 0)
	proc := NewTTS(p, cfg, in, out, events)
	stop := startProc(t, proc.Run)

	ctx := context.Background()
	if err := in.Push(ctx, frame.NewLLMContent("t1", "One moment. ")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, ok := popFrame(t, out, 2*time.Second).(frame.TTSStart); !ok {
		t.Fatal("expected TTSStart")
	}
	if _, ok := popFrame(t, out, 2*time.Second).(frame.AudioFrame); !ok {
		t.Fatal("expected synthesized audio")
	}

	if err := in.Push(ctx, frame.NewToolPending("t1", "db_lookup", 1500)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	first, ok := popFrame(t, out, 2*time.Second).(frame.AudioFrame)
	if !ok {
		t.Fatal("expected hold audio while the tool runs")
	}
	if len(first.PCM) != 6400 || first.PCM[0] != 0xAA {
		t.Errorf("hold chunk 1 = %d bytes starting 0x%X, want 6400 bytes of 0xAA", len(first.PCM), first.PCM[0])
	}
	second, ok := popFrame(t, out, 2*time.Second).(frame.AudioFrame)
	if !ok {
		t.Fatal("expected looped hold audio")
	}
	if second.PCM[0] != 0xBB {
		t.Errorf("hold chunk 2 starts 0x%X, want 0xBB (loop advances)", second.PCM[0])
	}
	if first.TraceID() != "t1" || second.TraceID() != "t1" {
		t.Error("hold audio must carry the active turn's trace")
	}

	// Real content ends the hold.
	if err := in.Push(ctx, frame.NewLLMContent("t1", "Found it. ")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := in.Push(ctx, frame.NewLLMFinish("t1", frame.FinishStop)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Drain until the end bracket, skipping hold chunks still in flight.
	sawSynth := false
	for {
		f := popFrame(t, out, 2*time.Second)
		if a, isAudio := f.(frame.AudioFrame); isAudio {
			if len(a.PCM) == 2 {
				sawSynth = true
			}
			continue
		}
		end, isEnd := f.(frame.TTSEnd)
		if !isEnd {
			t.Fatalf("unexpected frame %T while draining", f)
		}
		if end.Cause != frame.EndNatural || end.SentencesSpoken != 2 {
			t.Errorf("end = (%v, %d), want (natural, 2)", end.Cause, end.SentencesSpoken)
		}
		break
	}
	if !sawSynth {
		t.Error("resumed content was never synthesized")
	}
	in.Close()
	stop()
	_ = collectFrames(events)
}

func TestTTSBackpressureHintEngagesUnderSustainedDepth(t *testing.T) {
	p := &ttsmock.Provider{
		Chunks:     []tts.AudioChunk{ttsChunk(1)},
		ChunkDelay: 60 * time.Millisecond,
	}
	out, _ := driveTTS(t, p, defaultTTSConfig(),
		frame.NewLLMContent("t1",
			"One one. Two two. Three three. Four four. Five five. Six six. Seven seven. Eight eight. "),
		frame.NewLLMFinish("t1", frame.FinishStop),
	)

	reqs := p.Requests()
	if len(reqs) != 8 {
		t.Fatalf("synthesis calls = %d, want 8", len(reqs))
	}
	if reqs[0].BackpressureHint {
		t.Error("hint set before any congestion")
	}
	if !reqs[len(reqs)-1].BackpressureHint {
		t.Error("hint never engaged under sustained outbound depth")
	}
	if end, ok := out[len(out)-1].(frame.TTSEnd); !ok || end.SentencesSpoken != 8 {
		t.Errorf("last out = %#v, want natural TTSEnd with 8 sentences", out[len(out)-1])
	}
}

func TestTTSFillerInjection(t *testing.T) {
	newProc := func(p tts.Provider, dice float64) (*TTS, *Queue) {
		cfg := defaultTTSConfig()
		cfg.FillerInjection = true
		cfg.Fillers = []string{"Well,"}
		in := NewQueue("agg-tts", 0)
		proc := NewTTS(p, cfg, in, NewQueue("tts-out", 0), NewQueue("tts-events", 0))
		proc.dice = func() float64 { return dice }
		return proc, in
	}
	drive := func(t *testing.T, proc *TTS, in *Queue, text string) {
		t.Helper()
		ctx := context.Background()
		if err := in.Push(ctx, frame.NewLLMContent("t1", text)); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if err := in.Push(ctx, frame.NewLLMFinish("t1", frame.FinishStop)); err != nil {
			t.Fatalf("Push: %v", err)
		}
		in.Close()
		if err := proc.Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	t.Run("injects on a winning roll", func(t *testing.T) {
		p := &ttsmock.Provider{Chunks: []tts.AudioChunk{ttsChunk(1)}}
		proc, in := newProc(p, 0)
		drive(t, proc, in, "Hi. This is a fairly long sentence. ")
		reqs := p.Requests()
		if reqs[0].Text != "Hi." {
			t.Errorf("short sentence = %q, want untouched %q", reqs[0].Text, "Hi.")
		}
		if want := "Well, This is a fairly long sentence."; reqs[1].Text != want {
			t.Errorf("long sentence = %q, want %q", reqs[1].Text, want)
		}
	})
	t.Run("skips on a losing roll", func(t *testing.T) {
		p := &ttsmock.Provider{Chunks: []tts.AudioChunk{ttsChunk(1)}}
		proc, in := newProc(p, 1)
		drive(t, proc, in, "This is a fairly long sentence. ")
		if got := p.LastRequest().Text; got != "This is a fairly long sentence." {
			t.Errorf("sentence = %q, want untouched", got)
		}
	})
}

func TestTTSProviderErrorReported(t *testing.T) {
	p := &ttsmock.Provider{Err: errors.New("synth backend down")}
	out, events := driveTTS(t, p, defaultTTSConfig(),
		frame.NewLLMContent("t1", "Hello there. "),
		frame.NewLLMFinish("t1", frame.FinishStop),
	)

	if len(out) != 0 {
		t.Errorf("out frames = %d, want 0", len(out))
	}
	if len(events) != 2 {
		t.Fatalf("event frames = %d, want 2 (error, end)", len(events))
	}
	ef, ok := events[0].(frame.ErrorFrame)
	if !ok {
		t.Fatalf("events[0] = %T, want ErrorFrame", events[0])
	}
	if ef.Port != "tts" || ef.Kind != frame.ErrorProviderTransient || !ef.Retryable {
		t.Errorf("error frame = %+v, want transient retryable tts error", ef)
	}
	end, ok := events[1].(frame.TTSEnd)
	if !ok {
		t.Fatalf("events[1] = %T, want TTSEnd", events[1])
	}
	if end.Cause != frame.EndNatural || end.SentencesSpoken != 0 {
		t.Errorf("end = (%v, %d), want (natural, 0)", end.Cause, end.SentencesSpoken)
	}
}

func TestTTSMidStreamErrorChunk(t *testing.T) {
	p := &ttsmock.Provider{
		Streams: [][]tts.AudioChunk{{
			ttsChunk(1),
			{Err: frame.Fatal("tts", errors.New("voice revoked"))},
		}},
	}
	out, events := driveTTS(t, p, defaultTTSConfig(),
		frame.NewLLMContent("t1", "Hello there. "),
		frame.NewLLMFinish("t1", frame.FinishStop),
	)

	var found bool
	for _, f := range events {
		if ef, ok := f.(frame.ErrorFrame); ok {
			found = true
			if ef.Kind != frame.ErrorProviderFatal || ef.Retryable {
				t.Errorf("error frame = %+v, want fatal non-retryable", ef)
			}
		}
	}
	if !found {
		t.Fatal("mid-stream chunk error never reported")
	}
	end, ok := out[len(out)-1].(frame.TTSEnd)
	if !ok {
		t.Fatalf("last out = %T, want TTSEnd", out[len(out)-1])
	}
	if end.SentencesSpoken != 0 {
		t.Errorf("sentences spoken = %d, want 0 (failed stream must not count)", end.SentencesSpoken)
	}
}

func TestTTSRelaysForeignFramesToEvents(t *testing.T) {
	p := &ttsmock.Provider{}
	_, events := driveTTS(t, p, defaultTTSConfig(),
		frame.NewHangupRequested("t1", "assistant closed the call"),
	)
	if len(events) != 1 {
		t.Fatalf("event frames = %d, want 1", len(events))
	}
	if _, ok := events[0].(frame.HangupRequested); !ok {
		t.Errorf("events[0] = %T, want HangupRequested", events[0])
	}
}

func TestTTSInterruptAfterNaturalCloseStillClears(t *testing.T) {
	p := &ttsmock.Provider{Chunks: []tts.AudioChunk{ttsChunk(7)}}
	in := NewQueue("agg-tts", 0)
	out := NewQueue("tts-out", 0)
	events := NewQueue("tts-events", 0)
	proc := NewTTS(p, defaultTTSConfig(), in, out, events)
	ctx := context.Background()
	for _, f := range []frame.Frame{
		frame.NewLLMContent("t1", "One done. Two done."),
		frame.NewLLMFinish("t1", frame.FinishStop),
	} {
		if err := in.Push(ctx, f); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	in.Close()
	if err := proc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(collectFrames(events)); got != 2 {
		t.Fatalf("event frames = %d, want start + natural end", got)
	}

	// Barge-in during residual playout: the finished turn still matches, the
	// queued tail is dropped, and the transport gets a clear bracket carrying
	// the full spoken count.
	spoken, ok := proc.Interrupt("t1")
	if !ok || spoken != 2 {
		t.Fatalf("Interrupt = (%d, %v), want (2, true)", spoken, ok)
	}
	outFrames := collectFrames(out)
	if len(outFrames) != 1 {
		t.Fatalf("out frames after drain = %d, want only the clear bracket", len(outFrames))
	}
	end, okEnd := outFrames[0].(frame.TTSEnd)
	if !okEnd || end.Cause != frame.EndInterrupted || end.SentencesSpoken != 2 {
		t.Fatalf("bracket = %#v, want interrupted end with 2 spoken", outFrames[0])
	}
}
