// Package protocol holds the JSON event shapes spoken with the conversational
// AI service.
package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

const (
	TypeAudio                = "audio"
	TypeUserTranscript       = "user_transcript"
	TypeAgentResponse        = "agent_response"
	TypeInterruption         = "interruption"
	TypeClientToolCall       = "client_tool_call"
	TypeClientToolResult     = "client_tool_result"
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeInitiationMetadata   = "conversation_initiation_metadata"
	TypeInitiationClientData = "conversation_initiation_client_data"
)

// ErrMissingType is returned when an inbound message has no type tag.
var ErrMissingType = errors.New("protocol: missing type")

// Event is one inbound message. Only the payload matching Type is set.
type Event struct {
	Type string `json:"type"`

	Audio          *AudioEvent              `json:"audio_event,omitempty"`
	UserTranscript *UserTranscriptionEvent  `json:"user_transcription_event,omitempty"`
	AgentResponse  *AgentResponseEvent      `json:"agent_response_event,omitempty"`
	Interruption   *InterruptionEvent       `json:"interruption_event,omitempty"`
	ToolCall       *ClientToolCall          `json:"client_tool_call,omitempty"`
	Ping           *PingEvent               `json:"ping_event,omitempty"`
	Metadata       *InitiationMetadataEvent `json:"conversation_initiation_metadata_event,omitempty"`
}

type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int64  `json:"event_id"`
}

type UserTranscriptionEvent struct {
	UserTranscript string `json:"user_transcript"`
}

type AgentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type InterruptionEvent struct {
	EventID int64 `json:"event_id"`
}

type ClientToolCall struct {
	ToolName   string         `json:"tool_name"`
	ToolCallID string         `json:"tool_call_id"`
	Parameters map[string]any `json:"parameters"`
}

type PingEvent struct {
	EventID int64 `json:"event_id"`
	PingMs  int64 `json:"ping_ms,omitempty"`
}

type InitiationMetadataEvent struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
}

// ClientToolResult answers a ClientToolCall.
type ClientToolResult struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

// UserAudioChunk carries one captured frame as base64 PCM.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type Pong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// ConversationInitiation optionally opens a conversation with dynamic
// variables.
type ConversationInitiation struct {
	Type             string            `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// Decode parses one inbound message. Payload validation for a known type is
// left to the caller; a missing payload is reported as an error.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, ErrMissingType
	}
	var missing string
	switch ev.Type {
	case TypeAudio:
		if ev.Audio == nil {
			missing = "audio_event"
		}
	case TypeClientToolCall:
		if ev.ToolCall == nil {
			missing = "client_tool_call"
		}
	case TypePing:
		if ev.Ping == nil {
			missing = "ping_event"
		}
	}
	if missing != "" {
		return Event{}, fmt.Errorf("decode %s event: missing %s", ev.Type, missing)
	}
	return ev, nil
}

// NewToolResult builds the reply for a tool call.
func NewToolResult(toolCallID, result string, isError bool) ClientToolResult {
	return ClientToolResult{
		Type:       TypeClientToolResult,
		ToolCallID: toolCallID,
		Result:     result,
		IsError:    isError,
	}
}

func NewPong(eventID int64) Pong {
	return Pong{Type: TypePong, EventID: eventID}
}

// Encode serializes an outbound message.
func Encode(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}
