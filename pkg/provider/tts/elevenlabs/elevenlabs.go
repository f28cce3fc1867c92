// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// One WebSocket connection is opened per synthesis request: the provider sends
// the begin-of-stream handshake, the utterance text, and the end-of-stream
// flush, then decodes the base64 audio messages into PCM chunks until the
// server reports completion.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 64

	defaultStability       = 0.5
	defaultSimilarityBoost = 0.75

	// Speed range accepted by the ElevenLabs voice_settings object. The
	// backpressure boost raises the effective rate so a congested outbound
	// queue can drain, without leaving the supported range.
	minSpeed          = 0.7
	maxSpeed          = 1.2
	backpressureBoost = 1.15
)

// pcmFormats maps the output sample rates the streaming API can deliver to
// their wire format names.
var pcmFormats = map[int]string{
	8000:  "pcm_8000",
	16000: "pcm_16000",
	22050: "pcm_22050",
	24000: "pcm_24000",
	44100: "pcm_44100",
}

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the default audio output format used when a request
// does not pin a supported sample rate (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text is the end-of-stream flush command.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is the initial "begin of input" handshake. It authenticates the
// stream and fixes the voice settings and output format.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// ---- SynthesizeStream ----

// SynthesizeStream opens a WebSocket to ElevenLabs, sends req.Text followed by
// the end-of-stream flush, and returns a channel emitting the synthesized PCM.
//
// The returned channel is closed when synthesis completes or ctx is cancelled.
// Errors after the handshake surface as a final AudioChunk with Err set.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.AudioChunk, error) {
	if req.Text == "" {
		return nil, frame.Fatal("tts", errors.New("elevenlabs: request text must not be empty"))
	}
	if req.Voice.ID == "" {
		return nil, frame.Fatal("tts", errors.New("elevenlabs: voice ID must not be empty"))
	}

	format, rate := p.resolveFormat(req.SampleRate)

	wsURL := buildURLForVoice(req.Voice.ID, p.model)
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		err = fmt.Errorf("elevenlabs: dial: %w", err)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, frame.Fatal("tts", err)
		}
		return nil, frame.Transient("tts", err)
	}

	boi := boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: voiceSettingsFor(req),
		XiAPIKey:      p.apiKey,
		OutputFormat:  format,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, frame.Transient("tts", fmt.Errorf("elevenlabs: send handshake: %w", err))
	}

	audioCh := make(chan tts.AudioChunk, audioChanBuf)
	go p.stream(ctx, conn, req.Text, rate, audioCh)
	return audioCh, nil
}

// stream writes the utterance and the flush command, then forwards decoded
// audio until the server reports completion or the context is cancelled.
func (p *Provider) stream(ctx context.Context, conn *websocket.Conn, text string, rate int, audioCh chan<- tts.AudioChunk) {
	defer close(audioCh)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	msgBytes, _ := buildWSMessage(ensureTrailingSpace(text), nil)
	if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
		emit(ctx, audioCh, tts.AudioChunk{Err: frame.Transient("tts", fmt.Errorf("elevenlabs: send text: %w", err))})
		return
	}
	// Flush: {"text":""} makes the server synthesize everything buffered.
	flushBytes, _ := buildWSMessage("", nil)
	if err := conn.Write(ctx, websocket.MessageText, flushBytes); err != nil {
		emit(ctx, audioCh, tts.AudioChunk{Err: frame.Transient("tts", fmt.Errorf("elevenlabs: send flush: %w", err))})
		return
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			emit(ctx, audioCh, tts.AudioChunk{Err: frame.Transient("tts", fmt.Errorf("elevenlabs: read: %w", err))})
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil && len(pcm) > 0 {
				select {
				case audioCh <- tts.AudioChunk{PCM: pcm, SampleRate: rate}:
				case <-ctx.Done():
					return
				}
			}
		}
		if resp.IsFinal {
			return
		}
	}
}

// emit delivers a chunk unless the context is already cancelled.
func emit(ctx context.Context, ch chan<- tts.AudioChunk, chunk tts.AudioChunk) {
	select {
	case ch <- chunk:
	case <-ctx.Done():
	}
}

// ---- helpers ----

// voiceSettingsFor maps the request's delivery parameters onto the ElevenLabs
// voice_settings object. The streaming API has no named styles, so Style is
// ignored and StyleDegree maps onto the style exaggeration knob.
func voiceSettingsFor(req tts.Request) *voiceSettings {
	vs := &voiceSettings{
		Stability:       defaultStability,
		SimilarityBoost: defaultSimilarityBoost,
	}
	if req.StyleDegree > 0 {
		vs.Style = clamp(req.StyleDegree, 0, 1)
	}
	if req.Rate != 0 || req.BackpressureHint {
		vs.Speed = effectiveSpeed(req.Rate, req.BackpressureHint)
	}
	return vs
}

// effectiveSpeed converts the requested rate multiplier into the speed value
// sent to ElevenLabs. A backpressure hint raises the rate so the outbound
// queue can drain; the result is clamped to the supported range.
func effectiveSpeed(rate float64, backpressure bool) float64 {
	if rate == 0 {
		rate = 1.0
	}
	if backpressure {
		rate *= backpressureBoost
	}
	return clamp(rate, minSpeed, maxSpeed)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// resolveFormat picks the output format for the requested sample rate, falling
// back to the provider default when the exact rate is not supported. It
// returns the wire format name and the actual PCM rate.
func (p *Provider) resolveFormat(sampleRate int) (format string, rate int) {
	if sampleRate > 0 {
		if f, ok := pcmFormats[sampleRate]; ok {
			return f, sampleRate
		}
	}
	return p.outputFormat, pcmRate(p.outputFormat)
}

// pcmRate extracts the sample rate from a "pcm_NNNNN" format name. Unknown
// formats fall back to 16 kHz.
func pcmRate(format string) int {
	s, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 16000
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 16000
	}
	return n
}

// ensureTrailingSpace conforms a fragment to the stream-input protocol, which
// expects each text message to end with a space.
func ensureTrailingSpace(s string) string {
	if strings.HasSuffix(s, " ") {
		return s
	}
	return s + " "
}

// buildWSMessage constructs the JSON text payload for a single text message.
// Used by tests to verify the payload shape without opening a real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(voiceID, model string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model)
}
