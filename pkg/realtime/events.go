package realtime

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Inbound event names.
const (
	EventToken          = "ai:token"
	EventDone           = "ai:done"
	EventUserTranscript = "ai:user_transcript"
	EventAudioChunk     = "ai:audio_chunk"
	EventAudioComplete  = "ai:audio_complete"
	EventError          = "ai:error"
)

// Outbound event names. ai:audio_chunk is used in both directions.
const (
	EventAsk      = "ai:ask"
	EventAudioEnd = "ai:audio_end"
	EventStop     = "ai:stop"
)

// UnknownServerError is reported for an error event without any payload.
const UnknownServerError = "unknown server error"

type DonePayload struct {
	FullAnswer string `json:"fullAnswer,omitempty"`
}

type TranscriptPayload struct {
	Text string `json:"text"`
}

// AudioChunkPayload carries base64 audio. Inbound chunks are MPEG audio with an
// optional transcript fragment; outbound chunks are WebM/Opus with no text.
type AudioChunkPayload struct {
	Audio string `json:"audio"`
	Text  string `json:"text,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type AskPayload struct {
	CourseID string `json:"courseId"`
	Question string `json:"question"`
}

type AudioEndPayload struct {
	CourseID string `json:"courseId"`
}

// Handlers are the callbacks invoked for inbound events. They run on the
// connection's read goroutine and must hand work off quickly.
type Handlers struct {
	OnConnect        func(sid string)
	OnDisconnect     func(err error)
	OnToken          func(fragment string)
	OnDone           func(p DonePayload)
	OnUserTranscript func(text string)
	OnAudioChunk     func(p AudioChunkPayload)
	OnAudioComplete  func()
	OnError          func(message string)
}

func (h Handlers) dispatch(name string, args []json.RawMessage) error {
	var arg json.RawMessage
	if len(args) > 0 {
		arg = args[0]
	}
	switch name {
	case EventToken:
		fragment, err := decodeText(arg, "token", "text")
		if err != nil {
			return errors.Wrap(err, "decode ai:token")
		}
		if h.OnToken != nil {
			h.OnToken(fragment)
		}
	case EventDone:
		var p DonePayload
		if len(arg) > 0 && string(arg) != "null" {
			if err := json.Unmarshal(arg, &p); err != nil {
				return errors.Wrap(err, "decode ai:done")
			}
		}
		if h.OnDone != nil {
			h.OnDone(p)
		}
	case EventUserTranscript:
		text, err := decodeText(arg, "text")
		if err != nil {
			return errors.Wrap(err, "decode ai:user_transcript")
		}
		if h.OnUserTranscript != nil {
			h.OnUserTranscript(text)
		}
	case EventAudioChunk:
		var p AudioChunkPayload
		if err := json.Unmarshal(arg, &p); err != nil {
			return errors.Wrap(err, "decode ai:audio_chunk")
		}
		if h.OnAudioChunk != nil {
			h.OnAudioChunk(p)
		}
	case EventAudioComplete:
		if h.OnAudioComplete != nil {
			h.OnAudioComplete()
		}
	case EventError:
		// An error always ends the turn, whatever shape its payload has.
		msg, err := decodeText(arg, "message")
		if err != nil || strings.TrimSpace(msg) == "" {
			msg = rawErrorMessage(arg)
		}
		if h.OnError != nil {
			h.OnError(msg)
		}
	default:
		return errors.Errorf("unhandled event %q", name)
	}
	return nil
}

// rawErrorMessage renders an error payload that carries no plain message.
func rawErrorMessage(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return UnknownServerError
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		m := strings.TrimSpace(string(obj["message"]))
		if m != "" && m != "null" && m != `""` {
			return m
		}
	}
	return trimmed
}

// decodeText accepts either a bare JSON string or an object carrying the text
// under one of the given keys.
func decodeText(raw json.RawMessage, keys ...string) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	for _, k := range keys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", errors.Wrapf(err, "field %s", k)
		}
		return s, nil
	}
	return "", nil
}
