package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vocero-ai/vocero/internal/pipeline"
	"github.com/vocero-ai/vocero/pkg/audio"
	"github.com/vocero-ai/vocero/pkg/frame"
)

// startTimeout bounds the wait for the opening start envelope. A peer that
// connects but never introduces its stream is dropped.
const startTimeout = 10 * time.Second

// defaultWireRate applies when the start envelope omits the media format.
const defaultWireRate = 8000

// ConnConfig parameterises an accepted media connection.
type ConnConfig struct {
	// PipelineRate is the mono PCM rate of the internal hops. Inbound audio
	// is resampled to it, outbound audio from it.
	PipelineRate int

	// Logger receives connection lifecycle logs. Nil selects slog.Default.
	Logger *slog.Logger
}

// Conn is one accepted media stream. It owns the WebSocket for the call's
// lifetime: Run pumps audio both ways until the peer stops or the context
// is cancelled. Exactly one Run per Conn.
type Conn struct {
	ws    *websocket.Conn
	start Start
	rate  int
	log   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Accept upgrades the request and performs the stream handshake: it reads
// envelopes until the start event arrives (bounded by an internal timeout)
// and validates the announced media format.
func Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg ConnConfig) (*Conn, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}

	start, err := awaitStart(ctx, ws)
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, "no start event")
		return nil, err
	}
	if err := validateFormat(start.MediaFormat); err != nil {
		ws.Close(websocket.StatusUnsupportedData, "unsupported media format")
		return nil, err
	}
	if start.MediaFormat.SampleRate == 0 {
		start.MediaFormat.SampleRate = defaultWireRate
	}
	if start.MediaFormat.Channels == 0 {
		start.MediaFormat.Channels = 1
	}

	return &Conn{ws: ws, start: start, rate: cfg.PipelineRate, log: log}, nil
}

// awaitStart reads until the start envelope. Media arriving first violates
// the protocol; marks and other noise are skipped.
func awaitStart(ctx context.Context, ws *websocket.Conn) (Start, error) {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return Start{}, fmt.Errorf("transport: awaiting start: %w", err)
		}
		env, err := Decode(data)
		if err != nil {
			return Start{}, err
		}
		switch env.Event {
		case EventStart:
			return *env.Start, nil
		case EventMedia:
			return Start{}, fmt.Errorf("%w: media before start", ErrMalformedEnvelope)
		case EventStop:
			return Start{}, errors.New("transport: stream stopped before start")
		}
	}
}

// validateFormat rejects codecs other than 16-bit little-endian PCM.
func validateFormat(f MediaFormat) error {
	switch strings.ToLower(f.Encoding) {
	case "", "audio/l16", "linear16", "pcm16":
	default:
		return fmt.Errorf("transport: unsupported encoding %q", f.Encoding)
	}
	if f.Channels < 0 || f.Channels > 2 {
		return fmt.Errorf("transport: unsupported channel count %d", f.Channels)
	}
	return nil
}

// CallID returns the carrier's call identifier, falling back to the stream
// identifier when the carrier supplied none.
func (c *Conn) CallID() string {
	if c.start.CallSid != "" {
		return c.start.CallSid
	}
	return c.start.StreamSid
}

// StreamSid returns the stream identifier from the start handshake.
func (c *Conn) StreamSid() string { return c.start.StreamSid }

// WireFormat returns the negotiated PCM layout of the remote leg.
func (c *Conn) WireFormat() MediaFormat { return c.start.MediaFormat }

// Run pumps the connection: caller audio is decoded, resampled, and pushed
// to inbound; frames popped from outbound are resampled and written back.
// It returns when the peer sends stop, the socket drops, or ctx is
// cancelled. A deliberate remote stop returns nil.
func (c *Conn) Run(ctx context.Context, inbound, outbound *pipeline.Queue) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return c.readLoop(gctx, inbound)
	})
	g.Go(func() error {
		defer cancel()
		return c.writeLoop(gctx, outbound)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// Cancellation originated from the loop that finished first, not
		// from the session. The pump as a whole ended cleanly.
		err = nil
	}
	return err
}

// readLoop decodes inbound envelopes into pipeline audio. Frames enter the
// pipeline without a trace id; turn detection mints one when speech starts.
func (c *Conn) readLoop(ctx context.Context, inbound *pipeline.Queue) error {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: c.rate, Channels: 1}}
	src := audio.Format{
		SampleRate: c.start.MediaFormat.SampleRate,
		Channels:   c.start.MediaFormat.Channels,
	}
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return c.readErr(ctx, err)
		}
		env, err := Decode(data)
		if err != nil {
			return err
		}
		switch env.Event {
		case EventMedia:
			pcm, err := env.Media.PCM()
			if err != nil {
				return err
			}
			af := frame.NewAudio("", conv.Convert(pcm, src), c.rate, 1)
			if err := inbound.Push(ctx, af); err != nil {
				return pipeline.StopCause(err)
			}
		case EventStop:
			c.log.Debug("media stream stopped by peer", slog.String("stream_sid", c.start.StreamSid))
			return nil
		case EventMark:
			// Playout acknowledgment; nothing to do.
		case EventStart:
			c.log.Warn("duplicate start event ignored", slog.String("stream_sid", c.start.StreamSid))
		}
	}
}

// readErr classifies the end of the read side. A normal or going-away close
// and session cancellation are clean stops; anything else is a transport
// failure.
func (c *Conn) readErr(ctx context.Context, err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return frame.Transient("transport", fmt.Errorf("transport: read: %w", err))
}

// writeLoop turns pipeline frames into wire envelopes. Audio is resampled
// to the wire format; the end-of-utterance bracket becomes a mark (natural)
// or a clear (barge-in), so the far end drops audio it has buffered but not
// yet played.
func (c *Conn) writeLoop(ctx context.Context, outbound *pipeline.Queue) error {
	conv := audio.FormatConverter{Target: audio.Format{
		SampleRate: c.start.MediaFormat.SampleRate,
		Channels:   c.start.MediaFormat.Channels,
	}}
	for {
		f, err := outbound.Pop(ctx)
		if err != nil {
			return pipeline.StopCause(err)
		}
		var env Envelope
		switch fr := f.(type) {
		case frame.AudioFrame:
			env = NewMedia(conv.Convert(fr.PCM, audio.Format{SampleRate: fr.SampleRate, Channels: fr.Channels}))
		case frame.TTSStart:
			continue
		case frame.TTSEnd:
			if fr.Cause == frame.EndInterrupted {
				env = NewClear()
			} else {
				env = NewMark(fr.TraceID())
			}
		default:
			continue
		}
		data, err := env.Encode()
		if err != nil {
			return err
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return frame.Transient("transport", fmt.Errorf("transport: write: %w", err))
		}
	}
}

// Close shuts the socket down. Idempotent; later calls return the first
// result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		err := c.ws.Close(websocket.StatusNormalClosure, "call ended")
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
