// Package energy implements a signal-energy VAD engine.
//
// The engine scores each frame by its smoothed RMS level relative to an
// adaptive noise floor. The floor tracks the quiet level of the line (office
// hum, telephony hiss) so that the same absolute level can score as speech
// on a quiet line and as background on a noisy one. No model files, no cgo —
// a predictable baseline suitable for telephony audio where the far end
// already applies noise suppression.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/vocero-ai/vocero/pkg/provider/vad"
)

const (
	// smoothing is the exponential smoothing factor applied to the per-frame
	// RMS before scoring. Higher = more reactive, noisier.
	smoothing = 0.2

	// floorAdapt is the adaptation rate of the noise floor on quiet frames.
	floorAdapt = 0.05

	// initialFloor seeds the noise floor before any audio is seen.
	initialFloor = 0.002

	// minFloor keeps the floor from collapsing to zero on digital silence,
	// which would make any dithering noise score as speech.
	minFloor = 0.0005

	// dynamicRange is the RMS span above the noise floor mapped linearly
	// onto scores (0, 1]. Speech at conversational level sits several times
	// above a telephony noise floor, so a narrow span keeps the score curve
	// steep.
	dynamicRange = 0.045
)

// Engine creates energy-based VAD sessions.
type Engine struct{}

// Compile-time assertion that Engine satisfies the vad.Engine interface.
var _ vad.Engine = (*Engine)(nil)

// New returns an energy VAD engine. The engine is stateless; all detection
// state lives in the sessions it creates.
func New() *Engine {
	return &Engine{}
}

// NewSession creates a new scoring session for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("energy: threshold %v out of range [0,1]", cfg.Threshold)
	}
	return &session{floor: initialFloor}, nil
}

var errSessionClosed = errors.New("energy: session closed")

// session holds the per-stream smoothing and noise-floor state.
type session struct {
	mu       sync.Mutex
	smoothed float64
	floor    float64
	closed   bool
}

var _ vad.SessionHandle = (*session)(nil)

// Score computes the speech probability of one PCM16 mono frame.
func (s *session) Score(pcm []byte) (float64, error) {
	if len(pcm) < 2 {
		return 0, fmt.Errorf("energy: frame too short (%d bytes)", len(pcm))
	}
	if len(pcm)%2 != 0 {
		return 0, fmt.Errorf("energy: frame length %d is not sample-aligned", len(pcm))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSessionClosed
	}

	rms := rmsLevel(pcm)
	s.smoothed = smoothing*rms + (1-smoothing)*s.smoothed

	// Let the floor follow quiet frames only; speech must not raise it, or
	// long utterances would erode their own score.
	if s.smoothed < s.floor*2 {
		s.floor = (1-floorAdapt)*s.floor + floorAdapt*s.smoothed
		if s.floor < minFloor {
			s.floor = minFloor
		}
	}

	score := (s.smoothed - s.floor) / dynamicRange
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// Reset clears the smoothing history and restores the initial noise floor.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smoothed = 0
	s.floor = initialFloor
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// rmsLevel returns the root-mean-square level of a PCM16 little-endian
// buffer, normalised to [0, 1].
func rmsLevel(pcm []byte) float64 {
	n := len(pcm) / 2
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		v := float64(sample) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
