// Package coqui provides a local Coqui TTS-backed TTS provider that connects to
// either a Coqui XTTS v2 server or a standard Coqui TTS server via its REST API.
// It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is performed
//     via POST /tts_to_audio/ with a JSON body.
//
// Both servers operate in batch mode (one HTTP call per utterance rather than a
// streaming socket), so each SynthesizeStream call issues a single HTTP request
// and then emits the WAV payload's PCM in fixed-size chunks.
//
// Typical usage (standard server):
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	audio, err := p.SynthesizeStream(ctx, tts.Request{Text: "Hello.", SampleRate: 16000})
//
// Typical usage (XTTS v2 server):
//
//	p, err := coqui.New("http://localhost:8002",
//	    coqui.WithAPIMode(coqui.APIModeXTTS),
//	)
//	audio, err := p.SynthesizeStream(ctx, tts.Request{Text: "Hello.", Voice: tts.VoiceSpec{ID: "claribel"}})
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	ttsEndpoint     = "/tts_to_audio/"
	apiTTSEndpoint  = "/api/tts"

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 64

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// ---- APIMode ----

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	// It requires a voice ID (the server-side speaker_wav reference).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode. Single-speaker models need no voice ID.
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code sent to the TTS server
// (e.g., "en", "de", "fr") when a request's voice carries none. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Use APIModeStandard (default) for the
// standard Coqui TTS Docker image (ghcr.io/coqui-ai/tts-cpu) or APIModeXTTS for
// the XTTS v2 API server.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputSampleRate sets the default target sample rate used when a request
// does not pin one. PCM is resampled from the model's native rate when they
// differ. When 0 (default), PCM is emitted at the native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a locally-running Coqui TTS server.
// It is safe for concurrent use; multiple SynthesizeStream calls may run in parallel.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int // default target sample rate; 0 = native
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty. Functional
// options may override the language, per-request timeout, and API mode.
// The default API mode is APIModeStandard.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// ---- SynthesizeStream ----

// SynthesizeStream issues one HTTP synthesis request for req.Text, strips the
// WAV container from the response, and emits the raw PCM in fixed-size chunks
// on the returned channel.
//
// The channel is closed when the utterance has been fully emitted, the request
// fails (final chunk carries Err), or ctx is cancelled. The caller must drain
// the channel to prevent goroutine leaks.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.AudioChunk, error) {
	if req.Text == "" {
		return nil, frame.Fatal("tts", errors.New("coqui: request text must not be empty"))
	}
	// XTTS mode always requires a voice ID (speaker_wav). Standard mode works
	// without one for single-speaker models, so only enforce the check for XTTS.
	if req.Voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, frame.Fatal("tts", errors.New("coqui: voice ID must not be empty in XTTS mode"))
	}

	audioCh := make(chan tts.AudioChunk, audioChanBuf)

	go func() {
		defer close(audioCh)

		pcm, rate, err := p.synthesize(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case audioCh <- tts.AudioChunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		// Emit the PCM in fixed-size chunks.
		for len(pcm) > 0 {
			end := min(pcmChunkSize, len(pcm))
			select {
			case audioCh <- tts.AudioChunk{PCM: pcm[:end], SampleRate: rate}:
			case <-ctx.Done():
				return
			}
			pcm = pcm[end:]
		}
	}()

	return audioCh, nil
}

// synthesize performs the HTTP call for the configured API mode, strips the WAV
// header, and resamples to the target rate when one is set. It returns the PCM
// and its actual sample rate.
func (p *Provider) synthesize(ctx context.Context, req tts.Request) ([]byte, int, error) {
	var (
		wav []byte
		err error
	)
	if p.apiMode == APIModeStandard {
		wav, err = p.fetchStandard(ctx, req)
	} else {
		wav, err = p.fetchXTTS(ctx, req)
	}
	if err != nil {
		return nil, 0, err
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, 0, frame.Transient("tts", err)
	}

	pcm := wav[info.DataOffset:]
	rate := info.SampleRate
	if target := p.targetRate(req.SampleRate); target > 0 && target != rate && info.Channels == 1 {
		pcm = resampleMono16(pcm, rate, target)
		rate = target
	}
	return pcm, rate, nil
}

// fetchXTTS performs a single POST /tts_to_audio/ call (XTTS v2 mode) and
// returns the raw WAV response.
func (p *Provider) fetchXTTS(ctx context.Context, r tts.Request) ([]byte, error) {
	body := ttsRequest{
		Text:       r.Text,
		SpeakerWav: r.Voice.ID,
		Language:   p.languageFor(r.Voice),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, frame.Fatal("tts", fmt.Errorf("coqui: marshal tts request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, frame.Fatal("tts", fmt.Errorf("coqui: create tts request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, frame.Transient("tts", fmt.Errorf("coqui: POST %s: %w", ttsEndpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(http.MethodPost, ttsEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, frame.Transient("tts", fmt.Errorf("coqui: read WAV response: %w", err))
	}
	return wav, nil
}

// fetchStandard performs a single GET /api/tts request (standard server mode)
// using URL query parameters and returns the raw WAV response.
func (p *Provider) fetchStandard(ctx context.Context, r tts.Request) ([]byte, error) {
	params := url.Values{}
	params.Set("text", r.Text)
	if r.Voice.ID != "" {
		params.Set("speaker_id", r.Voice.ID)
	}
	if lang := p.languageFor(r.Voice); lang != "" {
		params.Set("language_id", lang)
	}

	reqURL := p.serverURL + apiTTSEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, frame.Fatal("tts", fmt.Errorf("coqui: create tts request: %w", err))
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, frame.Transient("tts", fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(http.MethodGet, apiTTSEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, frame.Transient("tts", fmt.Errorf("coqui: read WAV response: %w", err))
	}
	return wav, nil
}

// classifyStatus converts a non-200 response into a port error. Client errors
// point at misconfiguration (wrong mode, unknown speaker) and are not
// retryable; everything else is.
func classifyStatus(method, endpoint string, status int) error {
	err := fmt.Errorf("coqui: %s %s returned status %d", method, endpoint, status)
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return frame.Fatal("tts", err)
	}
	return frame.Transient("tts", err)
}

// languageFor returns the voice's language if set, otherwise the provider default.
func (p *Provider) languageFor(v tts.VoiceSpec) string {
	if v.Language != "" {
		return v.Language
	}
	return p.language
}

// targetRate returns the effective target sample rate for a request: the
// request's rate when pinned, otherwise the provider default (0 = native).
func (p *Provider) targetRate(requested int) int {
	if requested > 0 {
		return requested
	}
	return p.outputRate
}

// ---- resampling ----

// resampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func resampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ---- WAV parsing ----

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int // samples per second (e.g., 22050, 44100, 48000)
	Channels   int // 1 = mono, 2 = stereo
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. This is more robust than
// hardcoding a fixed 44-byte offset because the fmt chunk size may vary.
//
// Returns an error if wav is not a valid RIFF/WAVE container or if the fmt
// or data chunk cannot be located.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				// fmt chunk should appear before data, but be defensive.
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
