// Package transport bridges one media-stream WebSocket connection to a
// call's pipeline queues. The wire protocol is a small JSON envelope per
// message: the remote side opens the stream with a start event naming the
// call and its PCM format, pushes base64 media frames, and ends with stop;
// this side answers with media frames, playout marks, and clear events that
// drain the far-end buffer on barge-in.
//
// Payloads are 16-bit little-endian PCM. Resampling between the wire rate
// (8 kHz telephony, 16 kHz browser) and the pipeline rate is this package's
// job; nothing downstream sees wire formats.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope event kinds.
const (
	EventStart = "start"
	EventMedia = "media"
	EventMark  = "mark"
	EventClear = "clear"
	EventStop  = "stop"
)

// ErrMalformedEnvelope marks a message that does not parse as a valid
// envelope. Per the error policy this terminates the session.
var ErrMalformedEnvelope = errors.New("transport: malformed envelope")

// MediaFormat describes the PCM layout of a stream's payloads.
type MediaFormat struct {
	// Encoding names the codec. Only 16-bit little-endian PCM variants are
	// accepted ("audio/l16", "linear16", or empty).
	Encoding string `json:"encoding"`

	// SampleRate is the wire rate in Hz, typically 8000 or 16000.
	SampleRate int `json:"sample_rate"`

	// Channels is 1 or 2.
	Channels int `json:"channels"`
}

// Start carries the opening handshake of a media stream.
type Start struct {
	StreamSid   string      `json:"streamSid"`
	CallSid     string      `json:"callSid"`
	MediaFormat MediaFormat `json:"media_format"`
}

// Media carries one slice of base64 PCM. Track distinguishes directions on
// carriers that multiplex; this core only consumes the inbound track.
type Media struct {
	Payload string `json:"payload"`
	Track   string `json:"track,omitempty"`
}

// Envelope is one wire message in either direction. Exactly the sub-object
// matching Event is populated.
type Envelope struct {
	Event string `json:"event"`
	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	Mark  string `json:"mark,omitempty"`
}

// Decode parses one wire message. It enforces that the sub-object the event
// kind requires is present; payload decoding is deferred to [Media.PCM].
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch env.Event {
	case EventStart:
		if env.Start == nil {
			return Envelope{}, fmt.Errorf("%w: start event without start object", ErrMalformedEnvelope)
		}
	case EventMedia:
		if env.Media == nil {
			return Envelope{}, fmt.Errorf("%w: media event without media object", ErrMalformedEnvelope)
		}
	case EventMark, EventClear, EventStop:
	case "":
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
	}
	return env, nil
}

// Encode serialises the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s envelope: %w", e.Event, err)
	}
	return data, nil
}

// PCM decodes the media payload.
func (m Media) PCM() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}
	return pcm, nil
}

// NewMedia builds an outbound media envelope from raw PCM.
func NewMedia(pcm []byte) Envelope {
	return Envelope{
		Event: EventMedia,
		Media: &Media{Payload: base64.StdEncoding.EncodeToString(pcm)},
	}
}

// NewMark builds a playout mark. The far end echoes marks back once the
// audio queued before them has played.
func NewMark(name string) Envelope {
	return Envelope{Event: EventMark, Mark: name}
}

// NewClear builds the clear event that drains the far-end playout buffer.
func NewClear() Envelope {
	return Envelope{Event: EventClear}
}
