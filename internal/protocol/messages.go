package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket control-message variants. Capture audio
// normally travels as binary PCM frames; AudioChunk exists for clients that
// cannot send binary frames and for synthesized audio going back out.
type MessageType string

const (
	TypeAudioStart MessageType = "audio_start"
	TypeAudioChunk MessageType = "audio_chunk"
	TypeAudioEnd   MessageType = "audio_end"
	TypeInterrupt  MessageType = "interrupt"
	TypeState      MessageType = "state"
	TypeError      MessageType = "error"
	TypeTranscript MessageType = "transcript"
	TypeReply      MessageType = "reply"
	TypeImage      MessageType = "image"
	TypeSaveNow    MessageType = "save"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioStart brackets a run of audio frames. From the client it announces the
// capture sample rate; to the client it announces a synthesized reply stream.
type AudioStart struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

// AudioChunk carries base64 PCM16LE when audio rides inside a text frame.
type AudioChunk struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	Seq        int         `json:"seq"`
	Data       string      `json:"data"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

type AudioEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
}

// Interrupt signals barge-in. Senders transmit it redundantly (a duplicate
// follows ~50ms after the first); receivers must treat delivery as idempotent.
type Interrupt struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Seq       int         `json:"seq,omitempty"`
}

// State reports a session state-machine transition to the remote side.
type State struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Value     string      `json:"value"`
}

type Error struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Kind      string      `json:"kind"`
	Message   string      `json:"message"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text"`
}

// Reply carries assistant text going out (streamed in deltas alongside the
// audio) and, from the client, a typed text turn in place of speech.
type Reply struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text"`
}

// Image hands a captured still to the vision collaborator. Processing runs
// under the vision protected mode so it cannot be self-interrupted.
type Image struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      string      `json:"data"`
	Prompt    string      `json:"prompt,omitempty"`
}

// SaveNow asks the orchestrator to checkpoint the conversation immediately
// instead of waiting for a session boundary.
type SaveNow struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Title     string      `json:"title,omitempty"`
}

// BinaryAudio wraps a raw PCM16LE websocket binary frame for the inbound
// channel. It never appears as JSON.
type BinaryAudio struct {
	Data []byte
}

// ParseClientMessage validates a text frame from the capture side. A failure
// here is a ProtocolError: the caller drops the message and keeps the
// connection open.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioStart:
		var msg AudioStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SampleRate < 0 {
			return nil, errors.New("invalid audio_start sample_rate")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, errors.New("invalid audio_chunk: empty data")
		}
		return msg, nil
	case TypeAudioEnd:
		var msg AudioEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeInterrupt:
		var msg Interrupt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeReply:
		var msg Reply
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid reply: empty text")
		}
		return msg, nil
	case TypeImage:
		var msg Image
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, errors.New("invalid image: empty data")
		}
		return msg, nil
	case TypeSaveNow:
		var msg SaveNow
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the canonical message type of any known protocol struct,
// regardless of whether the Type field was populated.
func TypeOf(v any) (MessageType, bool) {
	switch v.(type) {
	case AudioStart:
		return TypeAudioStart, true
	case AudioChunk:
		return TypeAudioChunk, true
	case AudioEnd:
		return TypeAudioEnd, true
	case Interrupt:
		return TypeInterrupt, true
	case State:
		return TypeState, true
	case Error:
		return TypeError, true
	case Transcript:
		return TypeTranscript, true
	case Reply:
		return TypeReply, true
	case Image:
		return TypeImage, true
	case SaveNow:
		return TypeSaveNow, true
	default:
		return "", false
	}
}
