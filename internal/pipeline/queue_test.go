package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vocero-ai/vocero/pkg/frame"
)

func TestQueuePushPopOrder(t *testing.T) {
	q := NewQueue("test", 8)
	ctx := context.Background()
	trace := frame.NewTraceID()

	for i := 0; i < 5; i++ {
		if err := q.Push(ctx, frame.NewText(trace, string(rune('a'+i)), false)); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	if q.Depth() != 5 {
		t.Errorf("Depth() = %d, want 5", q.Depth())
	}
	for i := 0; i < 5; i++ {
		f, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		tf, ok := f.(frame.TextFrame)
		if !ok {
			t.Fatalf("Pop %d: got %T, want TextFrame", i, f)
		}
		if want := string(rune('a' + i)); tf.Text != want {
			t.Errorf("Pop %d: Text = %q, want %q (FIFO violated)", i, tf.Text, want)
		}
	}
}

func TestQueueBackpressure(t *testing.T) {
	q := NewQueue("test", 2)
	ctx := context.Background()
	trace := frame.NewTraceID()

	if err := q.Push(ctx, frame.NewText(trace, "1", false)); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(ctx, frame.NewText(trace, "2", false)); err != nil {
		t.Fatal(err)
	}

	// Queue full: Push must block until cancelled.
	blockedCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := q.Push(blockedCtx, frame.NewText(trace, "3", false))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Push on full queue = %v, want DeadlineExceeded", err)
	}

	// TryPush must refuse instead of blocking.
	if q.TryPush(frame.NewText(trace, "3", false)) {
		t.Error("TryPush succeeded on a full queue")
	}
}

func TestQueueCloseDeliversBuffered(t *testing.T) {
	q := NewQueue("test", 4)
	ctx := context.Background()
	trace := frame.NewTraceID()

	q.Push(ctx, frame.NewText(trace, "pending", false))
	q.Close()
	q.Close() // idempotent

	if err := q.Push(ctx, frame.NewText(trace, "late", false)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push after Close = %v, want ErrQueueClosed", err)
	}

	f, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop buffered after Close: %v", err)
	}
	if f.(frame.TextFrame).Text != "pending" {
		t.Errorf("buffered frame lost on Close")
	}

	if _, err := q.Pop(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop on drained closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue("tts→out", 8)
	ctx := context.Background()
	trace := frame.NewTraceID()

	for i := 0; i < 6; i++ {
		q.Push(ctx, frame.NewAudio(trace, make([]byte, 320), 8000, 1))
	}
	if n := q.Drain(); n != 6 {
		t.Errorf("Drain() = %d, want 6", n)
	}
	if q.Depth() != 0 {
		t.Errorf("Depth() after Drain = %d, want 0", q.Depth())
	}

	// Queue stays usable after a drain.
	if err := q.Push(ctx, frame.NewAudio(trace, nil, 8000, 1)); err != nil {
		t.Errorf("Push after Drain: %v", err)
	}
}

func TestQueuePopCancellable(t *testing.T) {
	q := NewQueue("test", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop on empty queue = %v, want DeadlineExceeded", err)
	}
}

func TestQueueDefaultCapacity(t *testing.T) {
	q := NewQueue("test", 0)
	if q.Capacity() != DefaultQueueCapacity {
		t.Errorf("Capacity() = %d, want %d", q.Capacity(), DefaultQueueCapacity)
	}
}
