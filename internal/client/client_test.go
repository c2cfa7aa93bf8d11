package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capitalrow/MinaProd-sub000/internal/config"
	"github.com/capitalrow/MinaProd-sub000/internal/protocol"
	"github.com/capitalrow/MinaProd-sub000/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedBackend acks the join handshake, then answers each audio
// frame with the next scripted result for that session.
func scriptedBackend(t *testing.T, script []protocol.ResultMsg) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var join protocol.ControlMsg
		if err := json.Unmarshal(data, &join); err != nil || join.Type != protocol.TypeJoinSession {
			return
		}
		ack, _ := json.Marshal(protocol.ControlMsg{Type: protocol.TypeConnected, SessionID: join.SessionID})
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			return
		}

		next := 0
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if next >= len(script) {
				continue
			}
			result := script[next]
			result.SessionID = join.SessionID
			next++
			payload, _ := json.Marshal(result)
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}))
}

func testConfig(t *testing.T, streamURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Capture.Mode = "mock"
	cfg.Capture.TimesliceMS = 10
	cfg.Capture.SampleRate = 8000
	cfg.Capture.Channels = 1
	cfg.Transport.StreamURL = streamURL
	cfg.Transport.UploadURL = ""
	cfg.Transport.HandshakeTimeoutMS = 500
	cfg.Transport.CloseTimeoutMS = 500
	cfg.Session.EndTimeoutMS = 1000
	cfg.Store.RetentionMode = "ephemeral"
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestClientStreamsSessionToTranscript(t *testing.T) {
	backend := scriptedBackend(t, []protocol.ResultMsg{
		{Text: "hel", IsFinal: false},
		{Text: "hello th", IsFinal: false},
		{Text: "hello there", IsFinal: true, Confidence: 0.92},
	})
	t.Cleanup(backend.Close)

	streamURL := "ws" + strings.TrimPrefix(backend.URL, "http")
	cli, err := New(testConfig(t, streamURL), nil, nil, nil, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	sess, err := cli.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected session ID")
	}

	waitFor(t, 3*time.Second, func() bool {
		return cli.Status().Committed == 1
	})

	transcript, err := cli.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if len(transcript) != 1 || transcript[0].Text != "hello there" {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
	if transcript[0].Confidence != 0.92 {
		t.Fatalf("expected confidence 0.92, got %v", transcript[0].Confidence)
	}
}

func TestClientSecondSessionGetsFreshTransport(t *testing.T) {
	backend := scriptedBackend(t, []protocol.ResultMsg{
		{Text: "first", IsFinal: true},
	})
	t.Cleanup(backend.Close)

	streamURL := "ws" + strings.TrimPrefix(backend.URL, "http")
	cli, err := New(testConfig(t, streamURL), nil, nil, nil, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	first, err := cli.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if _, err := cli.StartSession(ctx); !errors.Is(err, session.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	if _, err := cli.EndSession(ctx); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	second, err := cli.StartSession(ctx)
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new session ID")
	}
	if cli.Status().Committed != 0 {
		t.Fatalf("expected transcript reset, got %d committed", cli.Status().Committed)
	}

	if _, err := cli.EndSession(ctx); err != nil {
		t.Fatalf("second EndSession: %v", err)
	}
	if _, ok := cli.Manager().Active(); ok {
		t.Fatal("expected no active session after close")
	}
}

func TestClientStartFailsWithoutUsableTransport(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/ws")
	cli, err := New(cfg, nil, nil, nil, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := cli.StartSession(context.Background()); err == nil {
		t.Fatal("expected StartSession to fail with no reachable transport")
	}
	if _, ok := cli.Manager().Active(); ok {
		t.Fatal("expected no active session after failed start")
	}
}
