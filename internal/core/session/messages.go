package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageKind tags a decoded transport control message. All inbound frames
// pass through a single decode step and are routed by kind, instead of the
// layered per-event callbacks this replaces.
type MessageKind int

const (
	MessageUnknown MessageKind = iota
	MessageConnected
	MessageStart
	MessageMedia
	MessageStop
)

// Message is the decoded form of one telephony control frame.
type Message struct {
	Kind      MessageKind
	StreamSID string
	Track     string
	Audio     []byte // decoded media payload
}

// envelope mirrors the telephony provider's JSON wire format. Media fields
// are nested one level down.
type envelope struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Media     struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// DecodeMessage parses one inbound control frame. Unknown events and
// unparseable frames return an error so the session can drop them with a
// log and continue.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("unparseable control message: %w", err)
	}

	switch env.Event {
	case "connected":
		return Message{Kind: MessageConnected}, nil
	case "start":
		return Message{Kind: MessageStart, StreamSID: env.StreamSID}, nil
	case "media":
		audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return Message{}, fmt.Errorf("bad media payload: %w", err)
		}
		return Message{Kind: MessageMedia, Track: env.Media.Track, Audio: audio}, nil
	case "stop":
		return Message{Kind: MessageStop}, nil
	default:
		return Message{}, fmt.Errorf("unknown event %q", env.Event)
	}
}

// outboundMedia is the frame sent back to the telephony transport.
type outboundMedia struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     outboundChunk `json:"media"`
}

type outboundChunk struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// EncodeOutboundMedia builds one outbound media frame carrying base64 mu-law
// audio on the outbound track.
func EncodeOutboundMedia(streamSID string, seq int, timestampMs int64, audio []byte) ([]byte, error) {
	msg := outboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media: outboundChunk{
			Track:     "outbound",
			Chunk:     strconv.Itoa(seq),
			Timestamp: strconv.FormatInt(timestampMs, 10),
			Payload:   base64.StdEncoding.EncodeToString(audio),
		},
	}
	return json.Marshal(msg)
}
