package protocol

import (
	"encoding/json"
	"fmt"
)

// AudioChunkMsg is the wire form of one captured audio slice. Over the
// persistent channel the payload travels as a binary frame and this
// struct only describes it; in upload mode the fields are sent as
// multipart form values alongside the payload part.
type AudioChunkMsg struct {
	SessionID    string `json:"session_id"`
	Sequence     uint64 `json:"sequence"`
	AudioData    []byte `json:"audio_data,omitempty"`
	MimeType     string `json:"mime_type"`
	CapturedAtMS int64  `json:"captured_at_ms"`
	IsFinalChunk bool   `json:"is_final_chunk"`
}

// ResultMsg is a transcription result pushed by the backend, or returned
// synchronously from an upload request.
type ResultMsg struct {
	SessionID       string  `json:"session_id"`
	Text            string  `json:"text"`
	Confidence      float64 `json:"confidence"`
	IsFinal         bool    `json:"is_final"`
	SpeakerID       *int    `json:"speaker_id,omitempty"`
	ServerTimestamp int64   `json:"server_timestamp,omitempty"`
}

// Control message types exchanged on the persistent channel.
const (
	TypeJoinSession = "join_session"
	TypeConnected   = "connected"
	TypeError       = "error"
)

// ControlMsg is the envelope for channel control traffic. Connected is
// the handshake acknowledgment; a socket-open event alone does not count
// as connected.
type ControlMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Server    string `json:"server,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ServerMessage holds one decoded text frame from the backend. Exactly
// one of Control and Result is non-nil.
type ServerMessage struct {
	Control *ControlMsg
	Result  *ResultMsg
}

// DecodeServerMessage classifies an inbound text frame. Frames carrying
// a "type" field are control traffic; everything else is treated as a
// transcription result.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	if envelope.Type != "" {
		var ctrl ControlMsg
		if err := json.Unmarshal(data, &ctrl); err != nil {
			return ServerMessage{}, fmt.Errorf("decode control message: %w", err)
		}
		return ServerMessage{Control: &ctrl}, nil
	}
	var result ResultMsg
	if err := json.Unmarshal(data, &result); err != nil {
		return ServerMessage{}, fmt.Errorf("decode result message: %w", err)
	}
	return ServerMessage{Result: &result}, nil
}

// EncodeJoinSession builds the join control frame sent right after the
// socket opens.
func EncodeJoinSession(sessionID string) ([]byte, error) {
	return json.Marshal(ControlMsg{Type: TypeJoinSession, SessionID: sessionID})
}

// Subjects used by the optional transcript mirror bus.
const (
	SubjectTranscriptPartial = "mina.transcript.partial"
	SubjectTranscriptFinal   = "mina.transcript.final"
	SubjectConnState         = "mina.conn.state"
)
