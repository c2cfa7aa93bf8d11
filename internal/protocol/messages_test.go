package protocol

import "testing"

func TestDecodeControlMessage(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"type":"connected","server":"stt-edge-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Control == nil {
		t.Fatal("expected control message")
	}
	if msg.Control.Type != TypeConnected {
		t.Fatalf("expected connected type, got %q", msg.Control.Type)
	}
	if msg.Control.Server != "stt-edge-1" {
		t.Fatalf("unexpected server: %q", msg.Control.Server)
	}
}

func TestDecodeResultMessage(t *testing.T) {
	raw := `{"session_id":"s-1","text":"hello there","confidence":0.92,"is_final":true,"speaker_id":1}`
	msg, err := DecodeServerMessage([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Result == nil {
		t.Fatal("expected result message")
	}
	if msg.Result.Text != "hello there" || !msg.Result.IsFinal {
		t.Fatalf("unexpected result: %+v", msg.Result)
	}
	if msg.Result.SpeakerID == nil || *msg.Result.SpeakerID != 1 {
		t.Fatalf("expected speaker 1, got %v", msg.Result.SpeakerID)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeServerMessage([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}
