package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vocero-ai/vocero/internal/transcript"
	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/stt"
	sttmock "github.com/vocero-ai/vocero/pkg/provider/stt/mock"
)

func newSTTSession() *sttmock.Session {
	return &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

func defaultSTTConfig() STTConfig {
	return STTConfig{SampleRate: 16000, Channels: 1, Language: "en", FinalFlushTimeout: time.Second}
}

// waitFor polls cond until it holds or the test deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func popFrame(t *testing.T, q *Queue, within time.Duration) frame.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	f, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	return f
}

// startProc runs fn in a goroutine and returns an idempotent stop function
// that cancels it and verifies a clean exit. Tests call stop before
// inspecting mock state so every read happens after the goroutine is gone.
func startProc(t *testing.T, fn func(context.Context) error) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run: %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Error("Run did not stop after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestSTTTurnPartialsAndFinalOrdering(t *testing.T) {
	sess := newSTTSession()
	sess.CloseChannelsOnCloseSend = true
	p := &sttmock.Provider{Session: sess}
	in := NewQueue("vad→stt", 16)
	out := NewQueue("stt→orch", 16)
	s := NewSTT(p, nil, defaultSTTConfig(), in, out)
	stop := startProc(t, s.Run)
	defer stop()

	ctx := context.Background()
	if err := in.Push(ctx, frame.NewUserStartedSpeaking("t1")); err != nil {
		t.Fatal(err)
	}
	if f := popFrame(t, out, time.Second); f.TraceID() != "t1" {
		t.Fatalf("start event trace = %q, want t1", f.TraceID())
	}
	if err := in.Push(ctx, frame.NewAudio("t1", make([]byte, 640), 16000, 1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sess.SendAudioCallCount() == 1 }, "audio never reached the provider")

	sess.PartialsCh <- stt.Transcript{Text: "book a"}
	f := popFrame(t, out, time.Second)
	tf, ok := f.(frame.TextFrame)
	if !ok || !tf.IsPartial || tf.Text != "book a" {
		t.Fatalf("got %#v, want partial TextFrame %q", f, "book a")
	}

	// Whether the final is consumed mid-turn or inside the half-close flush,
	// it must be forwarded before the stop event.
	sess.FinalsCh <- stt.Transcript{Text: "book a table", IsFinal: true}
	if err := in.Push(ctx, frame.NewUserStoppedSpeaking("t1", 520)); err != nil {
		t.Fatal(err)
	}

	f = popFrame(t, out, time.Second)
	tf, ok = f.(frame.TextFrame)
	if !ok || tf.IsPartial || tf.Text != "book a table" {
		t.Fatalf("got %#v, want the final before the stop event", f)
	}
	if _, ok := popFrame(t, out, time.Second).(frame.UserStoppedSpeaking); !ok {
		t.Fatal("stop event missing after the final")
	}

	stop()
	if sess.CloseCallCount == 0 {
		t.Error("session not closed after the turn")
	}
}

func TestSTTSessionPerTurn(t *testing.T) {
	sess1, sess2 := newSTTSession(), newSTTSession()
	sess1.CloseChannelsOnCloseSend = true
	sess2.CloseChannelsOnCloseSend = true
	p := &sttmock.Provider{Sessions: []stt.SessionHandle{sess1, sess2}}
	in := NewQueue("vad→stt", 16)
	out := NewQueue("stt→orch", 16)
	s := NewSTT(p, nil, defaultSTTConfig(), in, out)
	stop := startProc(t, s.Run)
	defer stop()

	ctx := context.Background()
	for i, trace := range []string{"t1", "t2"} {
		if err := in.Push(ctx, frame.NewUserStartedSpeaking(trace)); err != nil {
			t.Fatal(err)
		}
		if err := in.Push(ctx, frame.NewAudio(trace, make([]byte, 320), 16000, 1)); err != nil {
			t.Fatal(err)
		}
		if err := in.Push(ctx, frame.NewUserStoppedSpeaking(trace, 500)); err != nil {
			t.Fatal(err)
		}
		// start + stop come through; no transcript was produced.
		popFrame(t, out, time.Second)
		popFrame(t, out, time.Second)
		if got := p.StartStreamCallCount(); got != i+1 {
			t.Fatalf("StartStreamCallCount = %d after turn %d, want %d", got, i+1, i+1)
		}
	}

	stop()
	if sess1.SendAudioCallCount() != 1 || sess2.SendAudioCallCount() != 1 {
		t.Errorf("audio routing: sess1=%d sess2=%d, want 1 and 1",
			sess1.SendAudioCallCount(), sess2.SendAudioCallCount())
	}
	if sess1.CloseCallCount == 0 {
		t.Error("first turn's session left open")
	}
	cfg := p.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.Language != "en" {
		t.Errorf("StreamConfig = %+v, want the configured audio format", cfg)
	}
}

func TestSTTCloseTurnAwaitWindow(t *testing.T) {
	// Two buffered finals at half-close: the first is the turn's transcript,
	// the second only surfaces when late finals are configured on.
	for _, tc := range []struct {
		name       string
		appendLate bool
		wantTexts  []string
	}{
		{"late final suppressed", false, []string{"first"}},
		{"late final appended", true, []string{"first", "second"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sess := newSTTSession()
			sess.FinalsCh <- stt.Transcript{Text: "first", IsFinal: true}
			sess.FinalsCh <- stt.Transcript{Text: "second", IsFinal: true}

			cfg := defaultSTTConfig()
			cfg.AppendLateFinals = tc.appendLate
			out := NewQueue("stt→orch", 16)
			s := NewSTT(&sttmock.Provider{}, nil, cfg, NewQueue("vad→stt", 1), out)
			s.sess, s.trace, s.openedAt = sess, "t1", time.Now()

			if err := s.closeTurn(context.Background(), frame.NewUserStoppedSpeaking("t1", 500)); err != nil {
				t.Fatalf("closeTurn: %v", err)
			}
			got := collectFrames(out)
			if len(got) != len(tc.wantTexts) {
				t.Fatalf("forwarded %d finals, want %d: %v", len(got), len(tc.wantTexts), got)
			}
			for i, want := range tc.wantTexts {
				tf := got[i].(frame.TextFrame)
				if tf.Text != want || tf.IsPartial {
					t.Errorf("final %d = %#v, want non-partial %q", i, tf, want)
				}
			}
			if sess.CloseSendCallCount != 1 || sess.CloseCallCount != 1 {
				t.Errorf("CloseSend=%d Close=%d, want 1 and 1", sess.CloseSendCallCount, sess.CloseCallCount)
			}
		})
	}
}

func TestSTTCloseTurnFlushTimeoutBounded(t *testing.T) {
	sess := newSTTSession()
	cfg := defaultSTTConfig()
	cfg.FinalFlushTimeout = 20 * time.Millisecond
	out := NewQueue("stt→orch", 4)
	s := NewSTT(&sttmock.Provider{}, nil, cfg, NewQueue("vad→stt", 1), out)
	s.sess, s.trace, s.openedAt = sess, "t1", time.Now()

	start := time.Now()
	if err := s.closeTurn(context.Background(), frame.NewUserStoppedSpeaking("t1", 500)); err != nil {
		t.Fatalf("closeTurn: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("closeTurn blocked %v on a silent provider, want the flush window to bound it", elapsed)
	}
	if got := collectFrames(out); len(got) != 0 {
		t.Errorf("forwarded %d frames from an empty flush, want 0", len(got))
	}
}

func TestSTTStaleAudioDropped(t *testing.T) {
	sess := newSTTSession()
	p := &sttmock.Provider{Session: sess}
	in := NewQueue("vad→stt", 4)
	out := NewQueue("stt→orch", 4)
	ctx := context.Background()
	if err := in.Push(ctx, frame.NewAudio("gone", make([]byte, 320), 16000, 1)); err != nil {
		t.Fatal(err)
	}
	in.Close()
	s := NewSTT(p, nil, defaultSTTConfig(), in, out)
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.SendAudioCallCount() != 0 {
		t.Error("stale audio reached the provider")
	}
	if got := collectFrames(out); len(got) != 0 {
		t.Errorf("emitted %d frames for stale audio, want 0", len(got))
	}
}

func TestSTTFilterDropsBlacklistedFinal(t *testing.T) {
	sess := newSTTSession()
	sess.FinalsCh <- stt.Transcript{Text: "Thanks for watching!", IsFinal: true}
	f := transcript.New([]string{"thanks for watching"})
	out := NewQueue("stt→orch", 4)
	s := NewSTT(&sttmock.Provider{}, f, defaultSTTConfig(), NewQueue("vad→stt", 1), out)
	s.sess, s.trace, s.openedAt = sess, "t1", time.Now()

	if err := s.closeTurn(context.Background(), frame.NewUserStoppedSpeaking("t1", 500)); err != nil {
		t.Fatalf("closeTurn: %v", err)
	}
	if got := collectFrames(out); len(got) != 0 {
		t.Errorf("blacklisted final leaked downstream: %v", got)
	}
}

func TestSTTStartStreamFailureSurfacesErrorFrame(t *testing.T) {
	p := &sttmock.Provider{StartStreamErr: frame.Fatal("stt", errors.New("all providers exhausted"))}
	in := NewQueue("vad→stt", 4)
	out := NewQueue("stt→orch", 4)
	ctx := context.Background()
	if err := in.Push(ctx, frame.NewUserStartedSpeaking("t1")); err != nil {
		t.Fatal(err)
	}
	in.Close()
	s := NewSTT(p, nil, defaultSTTConfig(), in, out)
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := collectFrames(out)
	var ef *frame.ErrorFrame
	for _, f := range got {
		if e, ok := f.(frame.ErrorFrame); ok {
			ef = &e
		}
	}
	if ef == nil {
		t.Fatalf("no ErrorFrame emitted, got %v", got)
	}
	if ef.Port != "stt" || ef.Kind != frame.ErrorProviderFatal || ef.Retryable {
		t.Errorf("ErrorFrame = %+v, want non-retryable stt provider failure", ef)
	}
}

func TestSTTSendAudioFailureReported(t *testing.T) {
	sess := newSTTSession()
	sess.SendAudioErr = errors.New("connection reset")
	p := &sttmock.Provider{Session: sess}
	in := NewQueue("vad→stt", 4)
	out := NewQueue("stt→orch", 4)
	ctx := context.Background()
	if err := in.Push(ctx, frame.NewUserStartedSpeaking("t1")); err != nil {
		t.Fatal(err)
	}
	if err := in.Push(ctx, frame.NewAudio("t1", make([]byte, 320), 16000, 1)); err != nil {
		t.Fatal(err)
	}
	in.Close()
	s := NewSTT(p, nil, defaultSTTConfig(), in, out)
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	for _, f := range collectFrames(out) {
		if ef, ok := f.(frame.ErrorFrame); ok {
			found = true
			if ef.Kind != frame.ErrorProviderTransient || !ef.Retryable {
				t.Errorf("ErrorFrame = %+v, want retryable transient", ef)
			}
		}
	}
	if !found {
		t.Error("SendAudio failure produced no ErrorFrame")
	}
}
