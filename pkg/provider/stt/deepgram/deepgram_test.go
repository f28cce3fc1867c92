package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "endpointing", "300", q.Get("endpointing"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomOptions(t *testing.T) {
	p, err := New("key", WithModel("nova-2-phonecall"), WithLanguage("es"), WithSampleRate(8000), WithEndpointing(500))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "nova-2-phonecall", q.Get("model"))
	assertEqual(t, "language", "es", q.Get("language"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	assertEqual(t, "endpointing", "500", q.Get("endpointing"))
}

func TestBuildURL_LanguageOverridenByCfg(t *testing.T) {
	// cfg.Language should take precedence over the provider-level default.
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "Hello world",
				"confidence": 0.95,
				"words": [
					{"word": "Hello", "start": 0.1, "end": 0.5, "confidence": 0.97},
					{"word": "world", "start": 0.6, "end": 1.0, "confidence": 0.93}
				]
			}]
		}
	}`)

	tr, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}

	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "Hello world", tr.Text)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(tr.Words))
	}
	assertEqual(t, "word[0]", "Hello", tr.Words[0].Word)
	if tr.Words[0].StartSec != 0.1 {
		t.Errorf("unexpected start: %v", tr.Words[0].StartSec)
	}
}

func TestParseDeepgramResponse_Partial(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [{
				"transcript": "Hello",
				"confidence": 0.7,
				"words": []
			}]
		}
	}`)

	tr, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for partial result")
	}
	assertEqual(t, "text", "Hello", tr.Text)
}

func TestParseDeepgramResponse_NonResultsType(t *testing.T) {
	raw := []byte(`{"type":"Metadata","request_id":"abc"}`)
	_, ok := parseDeepgramResponse(raw)
	if ok {
		t.Error("expected ok=false for non-Results message")
	}
}

func TestParseDeepgramResponse_EmptyAlternatives(t *testing.T) {
	raw := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`)
	_, ok := parseDeepgramResponse(raw)
	if ok {
		t.Error("expected ok=false when alternatives is empty")
	}
}

func TestParseDeepgramResponse_InvalidJSON(t *testing.T) {
	_, ok := parseDeepgramResponse([]byte(`{invalid`))
	if ok {
		t.Error("expected ok=false for invalid JSON")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
}

// ---- Live session tests against a fake server ----

// fakeDeepgram runs a WebSocket server that emits a partial for every binary
// frame it receives and a trailing final when it sees a CloseStream message.
func fakeDeepgram(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			switch typ {
			case websocket.MessageBinary:
				writeResult(ctx, c, "hola", false)
			case websocket.MessageText:
				var msg struct {
					Type string `json:"type"`
				}
				if json.Unmarshal(data, &msg) == nil && msg.Type == "CloseStream" {
					writeResult(ctx, c, "hola, quiero saber mi saldo", true)
					c.Close(websocket.StatusNormalClosure, "")
					return
				}
			}
		}
	}))
}

func writeResult(ctx context.Context, c *websocket.Conn, text string, final bool) {
	payload := fmt.Sprintf(`{"type":"Results","is_final":%t,"channel":{"alternatives":[{"transcript":%q,"confidence":0.9,"words":[]}]}}`, final, text)
	_ = c.Write(ctx, websocket.MessageText, []byte(payload))
}

func TestSession_PartialsAndCloseSendFlush(t *testing.T) {
	srv := fakeDeepgram(t)
	defer srv.Close()

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-sess.Partials():
		if tr.IsFinal {
			t.Error("expected partial, got final")
		}
		assertEqual(t, "partial text", "hola", tr.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for partial")
	}

	if err := sess.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if err := sess.SendAudio(make([]byte, 640)); err == nil {
		t.Error("expected SendAudio to fail after CloseSend")
	}

	select {
	case tr, ok := <-sess.Finals():
		if !ok {
			t.Fatal("finals closed before trailing final arrived")
		}
		if !tr.IsFinal {
			t.Error("expected final transcript")
		}
		assertEqual(t, "final text", "hola, quiero saber mi saldo", tr.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flushed final")
	}

	// Server closes after the flush; both channels must close.
	select {
	case _, ok := <-sess.Finals():
		if ok {
			t.Error("expected finals channel to close after server shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("finals channel never closed")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	srv := fakeDeepgram(t)
	defer srv.Close()

	p, _ := New("key")
	p.endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")

	sess, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0, 0}); err == nil {
		t.Error("expected SendAudio to fail after Close")
	}
}

func TestStartStream_DialFailureIsTransient(t *testing.T) {
	p, _ := New("key")
	p.endpoint = "ws://127.0.0.1:1/listen"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
	if err == nil {
		t.Fatal("expected dial error")
	}
	kind, ok := frame.KindOf(err)
	if !ok {
		t.Fatalf("expected classified error, got %v", err)
	}
	if kind != frame.ErrorProviderTransient {
		t.Errorf("kind = %v, want provider_transient", kind)
	}
	if !frame.IsRetryable(err) {
		t.Error("dial failure should be retryable")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
