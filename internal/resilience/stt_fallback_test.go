package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vocero-ai/vocero/pkg/frame"
	"github.com/vocero-ai/vocero/pkg/provider/stt"
	sttmock "github.com/vocero-ai/vocero/pkg/provider/stt/mock"
)

func TestSTTFallback_PrimarySuccess(t *testing.T) {
	primarySession := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}
	primary := &sttmock.Provider{Session: primarySession}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != stt.SessionHandle(primarySession) {
		t.Fatal("handle should come from the primary")
	}
	if secondary.StartStreamCallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.StartStreamCallCount())
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondarySession := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 1),
		FinalsCh:   make(chan stt.Transcript, 1),
	}
	secondary := &sttmock.Provider{Session: secondarySession}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != stt.SessionHandle(secondarySession) {
		t.Fatal("handle should come from the secondary")
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{StartStreamErr: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallback_FatalSkipsPrimaryOnNextTurn(t *testing.T) {
	primary := &sttmock.Provider{
		StartStreamErr: frame.Fatal("stt", errors.New("invalid api key")),
	}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)

	// Turn 1: primary trips its breaker, secondary serves.
	if _, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Turn 2: primary is skipped outright.
	if _, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if primary.StartStreamCallCount() != 1 {
		t.Fatalf("primary called %d times, want 1 (breaker should be open)", primary.StartStreamCallCount())
	}
	if secondary.StartStreamCallCount() != 2 {
		t.Fatalf("secondary called %d times, want 2", secondary.StartStreamCallCount())
	}
}
