package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vocero-ai/vocero/internal/pipeline"
	"github.com/vocero-ai/vocero/pkg/frame"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// startPump serves one media connection through an httptest server: Accept,
// then Run against the given queues. The returned channel carries the error
// from the server side (Accept failure or Run's result).
func startPump(t *testing.T, inbound, outbound *pipeline.Queue) (*websocket.Conn, <-chan error) {
	t.Helper()
	done := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(r.Context(), w, r, ConnConfig{PipelineRate: 16000, Logger: testLogger()})
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- conn.Run(r.Context(), inbound, outbound)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	client, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "") })
	return client, done
}

func sendEnvelope(t *testing.T, client *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func readEnvelope(t *testing.T, client *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return env
}

func startEnvelope(rate, channels int) Envelope {
	return Envelope{Event: EventStart, Start: &Start{
		StreamSid:   "MZtest",
		CallSid:     "CAtest",
		MediaFormat: MediaFormat{Encoding: "audio/l16", SampleRate: rate, Channels: channels},
	}}
}

func TestConnInboundMedia(t *testing.T) {
	inbound := pipeline.NewQueue("in", 32)
	outbound := pipeline.NewQueue("out", 32)
	client, done := startPump(t, inbound, outbound)

	// Wire rate matches the pipeline rate, so payload bytes pass through
	// untouched.
	sendEnvelope(t, client, startEnvelope(16000, 1))
	pcm := make([]byte, 640)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	sendEnvelope(t, client, NewMedia(pcm))
	sendEnvelope(t, client, Envelope{Event: EventStop})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := inbound.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	af, ok := f.(frame.AudioFrame)
	if !ok {
		t.Fatalf("inbound frame = %T, want AudioFrame", f)
	}
	if !bytes.Equal(af.PCM, pcm) {
		t.Error("PCM changed between wire and pipeline at matching rates")
	}
	if af.SampleRate != 16000 || af.Channels != 1 {
		t.Errorf("frame format = %d Hz / %d ch, want 16000/1", af.SampleRate, af.Channels)
	}
	if af.TraceID() != "" {
		t.Errorf("TraceID = %q, want empty before turn detection", af.TraceID())
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after stop = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop event")
	}
}

func TestConnResamplesInbound(t *testing.T) {
	inbound := pipeline.NewQueue("in", 32)
	outbound := pipeline.NewQueue("out", 32)
	client, done := startPump(t, inbound, outbound)

	sendEnvelope(t, client, startEnvelope(8000, 1))
	sendEnvelope(t, client, NewMedia(make([]byte, 320))) // 20 ms at 8 kHz
	sendEnvelope(t, client, Envelope{Event: EventStop})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := inbound.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	af := f.(frame.AudioFrame)
	if af.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", af.SampleRate)
	}
	if len(af.PCM) != 640 {
		t.Errorf("len(PCM) = %d, want 640 (20 ms upsampled to 16 kHz)", len(af.PCM))
	}
	<-done
}

func TestConnOutbound(t *testing.T) {
	inbound := pipeline.NewQueue("in", 32)
	outbound := pipeline.NewQueue("out", 32)
	client, done := startPump(t, inbound, outbound)

	sendEnvelope(t, client, startEnvelope(16000, 1))

	trace := frame.NewTraceID()
	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(255 - i)
	}
	ctx := context.Background()
	if err := outbound.Push(ctx, frame.NewTTSStart(trace)); err != nil {
		t.Fatal(err)
	}
	if err := outbound.Push(ctx, frame.NewAudio(trace, pcm, 16000, 1)); err != nil {
		t.Fatal(err)
	}
	if err := outbound.Push(ctx, frame.NewTTSEnd(trace, frame.EndNatural, 1)); err != nil {
		t.Fatal(err)
	}
	if err := outbound.Push(ctx, frame.NewTTSEnd(trace, frame.EndInterrupted, 0)); err != nil {
		t.Fatal(err)
	}

	// TTSStart never reaches the wire; audio becomes media, a natural end
	// becomes a playout mark, an interrupted end becomes clear.
	env := readEnvelope(t, client)
	if env.Event != EventMedia {
		t.Fatalf("first envelope = %q, want media", env.Event)
	}
	if got, _ := env.Media.PCM(); !bytes.Equal(got, pcm) {
		t.Error("outbound PCM changed between pipeline and wire at matching rates")
	}

	env = readEnvelope(t, client)
	if env.Event != EventMark || env.Mark != trace {
		t.Errorf("second envelope = %s/%q, want mark/%s", env.Event, env.Mark, trace)
	}

	env = readEnvelope(t, client)
	if env.Event != EventClear {
		t.Errorf("third envelope = %q, want clear", env.Event)
	}

	client.Close(websocket.StatusNormalClosure, "")
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after normal close = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after client close")
	}
}

func TestConnOutboundResamples(t *testing.T) {
	inbound := pipeline.NewQueue("in", 32)
	outbound := pipeline.NewQueue("out", 32)
	client, done := startPump(t, inbound, outbound)

	sendEnvelope(t, client, startEnvelope(8000, 1))
	if err := outbound.Push(context.Background(), frame.NewAudio(frame.NewTraceID(), make([]byte, 640), 16000, 1)); err != nil {
		t.Fatal(err)
	}

	env := readEnvelope(t, client)
	if env.Event != EventMedia {
		t.Fatalf("envelope = %q, want media", env.Event)
	}
	got, err := env.Media.PCM()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 320 {
		t.Errorf("wire payload = %d bytes, want 320 (20 ms downsampled to 8 kHz)", len(got))
	}
	client.Close(websocket.StatusNormalClosure, "")
	<-done
}

func TestAcceptRejectsMediaBeforeStart(t *testing.T) {
	inbound := pipeline.NewQueue("in", 32)
	outbound := pipeline.NewQueue("out", 32)
	client, done := startPump(t, inbound, outbound)

	payload := base64.StdEncoding.EncodeToString(make([]byte, 160))
	sendEnvelope(t, client, Envelope{Event: EventMedia, Media: &Media{Payload: payload}})

	select {
	case err := <-done:
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("Accept = %v, want ErrMalformedEnvelope", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not reject media before start")
	}
}

func TestAcceptRejectsUnsupportedEncoding(t *testing.T) {
	inbound := pipeline.NewQueue("in", 32)
	outbound := pipeline.NewQueue("out", 32)
	client, done := startPump(t, inbound, outbound)

	env := startEnvelope(8000, 1)
	env.Start.MediaFormat.Encoding = "audio/x-mulaw"
	sendEnvelope(t, client, env)

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "unsupported encoding") {
			t.Errorf("Accept = %v, want unsupported encoding error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not reject unsupported encoding")
	}
}

func TestConnCallIDFallsBackToStream(t *testing.T) {
	c := &Conn{start: Start{StreamSid: "MZonly"}}
	if got := c.CallID(); got != "MZonly" {
		t.Errorf("CallID = %q, want MZonly", got)
	}
	c.start.CallSid = "CA1"
	if got := c.CallID(); got != "CA1" {
		t.Errorf("CallID = %q, want CA1", got)
	}
}
