package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies upstream realtime payload variants.
type MessageType string

const (
	// Outbound control messages.
	TypeSessionUpdate      MessageType = "session.update"
	TypeAudioAppend        MessageType = "input_audio_buffer.append"
	TypeConversationCreate MessageType = "conversation.item.create"

	// Inbound events.
	TypeOutputItemDone MessageType = "response.output_item.done"
	TypeFuncArgsDelta  MessageType = "response.function_call_arguments.delta"
	TypeFuncArgsDone   MessageType = "response.function_call_arguments.done"
	TypeLegacyFuncCall MessageType = "function_call"
	TypeSessionUpdated MessageType = "session.updated"
	TypeAudioDelta     MessageType = "response.audio.delta"
	TypeAudioDone      MessageType = "response.audio.done"
	TypeTranscriptDone MessageType = "response.audio_transcript.done"
	TypeError          MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ToolDefinition is the function schema advertised in session.update.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type SessionPatch struct {
	Instructions string           `json:"instructions,omitempty"`
	Voice        string           `json:"voice,omitempty"`
	Temperature  float64          `json:"temperature,omitempty"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	ToolChoice   string           `json:"tool_choice,omitempty"`
}

type SessionUpdate struct {
	Type    MessageType  `json:"type"`
	Session SessionPatch `json:"session"`
}

type AudioAppend struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type ConversationItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type ConversationCreate struct {
	Type MessageType      `json:"type"`
	Item ConversationItem `json:"item"`
}

// OutputItemDone carries the unified item-based function-call shape.
type OutputItemDone struct {
	Type MessageType      `json:"type"`
	Item ConversationItem `json:"item"`
}

// FuncArgsDelta is one streaming fragment of a function call's arguments.
type FuncArgsDelta struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Delta  string      `json:"delta"`
}

// FuncArgsDone closes a streamed function call. Name may be present here
// even when the deltas carried only the call_id.
type FuncArgsDone struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"call_id"`
	Name      string      `json:"name"`
	Arguments string      `json:"arguments"`
}

// LegacyFuncCall is the flat pre-item event shape still emitted by older
// upstream sessions.
type LegacyFuncCall struct {
	Type      MessageType `json:"type"`
	Name      string      `json:"name"`
	CallID    string      `json:"call_id"`
	Arguments string      `json:"arguments"`
}

type SessionUpdated struct {
	Type    MessageType     `json:"type"`
	Session json.RawMessage `json:"session,omitempty"`
}

type AudioDelta struct {
	Type  MessageType `json:"type"`
	Delta string      `json:"delta"`
}

type TranscriptDone struct {
	Type       MessageType `json:"type"`
	Transcript string      `json:"transcript"`
}

type UpstreamError struct {
	Type  MessageType `json:"type"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewSessionUpdate(patch SessionPatch) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: patch}
}

func NewAudioAppend(audioBase64 string) AudioAppend {
	return AudioAppend{Type: TypeAudioAppend, Audio: audioBase64}
}

func NewFunctionOutput(callID, output string) ConversationCreate {
	return ConversationCreate{
		Type: TypeConversationCreate,
		Item: ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// ParseUpstreamMessage decodes an inbound event into its typed form.
// Unknown types return ErrUnsupportedType; the caller forwards those raw.
func ParseUpstreamMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeOutputItemDone:
		var msg OutputItemDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeFuncArgsDelta:
		var msg FuncArgsDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" {
			return nil, errors.New("invalid function_call_arguments.delta: missing call_id")
		}
		return msg, nil
	case TypeFuncArgsDone:
		var msg FuncArgsDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" {
			return nil, errors.New("invalid function_call_arguments.done: missing call_id")
		}
		return msg, nil
	case TypeLegacyFuncCall:
		var msg LegacyFuncCall
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Name == "" {
			return nil, errors.New("invalid function_call: missing name")
		}
		return msg, nil
	case TypeSessionUpdated:
		var msg SessionUpdated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioDelta:
		var msg AudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTranscriptDone:
		var msg TranscriptDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg UpstreamError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
