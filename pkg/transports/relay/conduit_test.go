package relay

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabulalabs/fabula/pkg/frames"
)

func startRelay(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func confirm(conn *websocket.Conn) {
	_ = conn.WriteJSON(map[string]any{
		"type":    "connection_established",
		"message": "voice session started",
	})
}

func waitFrame(t *testing.T, ch <-chan frames.Frame) frames.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatalf("recv channel closed early")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return nil
}

func waitSystem(t *testing.T, ch <-chan frames.Frame, name string) frames.SystemFrame {
	t.Helper()
	f := waitFrame(t, ch)
	sys, ok := f.(frames.SystemFrame)
	if !ok {
		t.Fatalf("expected system frame %q, got %T", name, f)
	}
	if sys.Name() != name {
		t.Fatalf("expected system frame %q, got %q", name, sys.Name())
	}
	return sys
}

func TestDetectValidatesURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "empty", url: "", wantErr: true},
		{name: "http scheme", url: "http://relay.local/ws", wantErr: true},
		{name: "ws scheme", url: "ws://relay.local/ws", wantErr: false},
		{name: "wss scheme", url: "wss://relay.local/ws", wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(Config{URL: tt.url}).Detect(context.Background())
			if tt.wantErr && err == nil {
				t.Fatalf("expected detect error for %q", tt.url)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected detect error: %v", err)
			}
		})
	}
}

func TestOpenWaitsForConfirmation(t *testing.T) {
	url := startRelay(t, func(conn *websocket.Conn) {
		confirm(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := New(Config{URL: url, SessionID: "session-1"})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer c.Close()

	sys := waitSystem(t, c.Recv(), "relay_connected")
	if sys.Meta()[frames.MetaMessage] == "" {
		t.Fatalf("expected confirmation message in meta")
	}
}

func TestOpenFailsWithoutConfirmation(t *testing.T) {
	url := startRelay(t, func(conn *websocket.Conn) {
		// Never confirm; hold the socket open.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := New(Config{URL: url, EstablishedTimeout: 100 * time.Millisecond})
	err := c.Open(context.Background())
	if err == nil {
		c.Close()
		t.Fatalf("expected open to fail without confirmation")
	}
	if !strings.Contains(err.Error(), "did not confirm") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendEncodesEnvelopes(t *testing.T) {
	received := make(chan map[string]any, 8)
	url := startRelay(t, func(conn *websocket.Conn) {
		confirm(conn)
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	})
	c := New(Config{URL: url, SessionID: "session-1"})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer c.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := c.Send(frames.NewAudioFrame("session-1", 1, pcm, frames.SampleRate, frames.Channels, nil)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := c.Send(frames.NewTextFrame("session-1", 2, "tell me more", nil)); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if err := c.Send(frames.NewControlFrame("session-1", 3, frames.ControlStartNarration, nil)); err != nil {
		t.Fatalf("send control: %v", err)
	}
	if err := c.Send(frames.NewControlFrame("session-1", 4, frames.ControlStopNarration, nil)); err != nil {
		t.Fatalf("send control: %v", err)
	}

	wantTypes := []string{"audio_input", "text_input", "start_narration", "stop_narration"}
	for i, want := range wantTypes {
		select {
		case msg := <-received:
			got, _ := msg["type"].(string)
			if got != want {
				t.Fatalf("message %d: expected type %q, got %q", i, want, got)
			}
			switch want {
			case "audio_input":
				audio, _ := msg["audio"].(string)
				if audio != base64.StdEncoding.EncodeToString(pcm) {
					t.Fatalf("audio payload mismatch")
				}
			case "text_input":
				text, _ := msg["text"].(string)
				if text != "tell me more" {
					t.Fatalf("text payload mismatch, got %q", text)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d (%s)", i, want)
		}
	}
}

func TestSendRejectsOddAudio(t *testing.T) {
	url := startRelay(t, func(conn *websocket.Conn) {
		confirm(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := New(Config{URL: url})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer c.Close()

	err := c.Send(frames.NewAudioFrame("session-1", 1, []byte{0x01}, frames.SampleRate, frames.Channels, nil))
	if err == nil {
		t.Fatalf("expected odd-length audio to be rejected")
	}
}

func TestInboundMapping(t *testing.T) {
	narration := []byte{0x0A, 0x0B, 0x0C, 0x0D}
	responsePCM := []byte{0x10, 0x11}
	url := startRelay(t, func(conn *websocket.Conn) {
		confirm(conn)
		_ = conn.WriteMessage(websocket.BinaryMessage, narration)
		_ = conn.WriteJSON(map[string]any{"type": "narration_text", "text": "once upon a time"})
		_ = conn.WriteJSON(map[string]any{
			"type":        "audio_output",
			"audio":       base64.StdEncoding.EncodeToString(responsePCM),
			"sample_rate": 24000,
			"text":        "and then the fox spoke",
		})
		_ = conn.WriteJSON(map[string]any{"type": "error", "message": "narration failed"})
		_ = conn.WriteJSON(map[string]any{"type": "text_output", "text": "still here"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := New(Config{URL: url, SessionID: "session-1"})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer c.Close()

	waitSystem(t, c.Recv(), "relay_connected")

	af, ok := waitFrame(t, c.Recv()).(frames.AudioFrame)
	if !ok {
		t.Fatalf("expected narration audio frame")
	}
	if string(af.Data()) != string(narration) {
		t.Fatalf("narration audio mismatch")
	}
	if af.Rate() != narrationSampleRate {
		t.Fatalf("expected narration rate %d, got %d", narrationSampleRate, af.Rate())
	}
	if af.Meta()[frames.MetaOrigin] != frames.OriginNarration {
		t.Fatalf("expected narration origin, got %q", af.Meta()[frames.MetaOrigin])
	}

	nt, ok := waitFrame(t, c.Recv()).(frames.TextFrame)
	if !ok {
		t.Fatalf("expected narration text frame")
	}
	if nt.Text() != "once upon a time" || nt.Meta()[frames.MetaOrigin] != frames.OriginNarration {
		t.Fatalf("unexpected narration text frame: %q %q", nt.Text(), nt.Meta()[frames.MetaOrigin])
	}

	rf, ok := waitFrame(t, c.Recv()).(frames.AudioFrame)
	if !ok {
		t.Fatalf("expected response audio frame")
	}
	if string(rf.Data()) != string(responsePCM) || rf.Rate() != 24000 {
		t.Fatalf("unexpected response audio frame")
	}

	rt, ok := waitFrame(t, c.Recv()).(frames.TextFrame)
	if !ok {
		t.Fatalf("expected response text frame")
	}
	if rt.Text() != "and then the fox spoke" || rt.Meta()[frames.MetaOrigin] != frames.OriginResponse {
		t.Fatalf("unexpected response text frame: %q %q", rt.Text(), rt.Meta()[frames.MetaOrigin])
	}

	es := waitSystem(t, c.Recv(), "relay_error")
	if es.Meta()[frames.MetaMessage] == "" {
		t.Fatalf("expected relay error message in meta")
	}

	tf, ok := waitFrame(t, c.Recv()).(frames.TextFrame)
	if !ok {
		t.Fatalf("expected session to continue past relay error")
	}
	if tf.Text() != "still here" {
		t.Fatalf("unexpected text after relay error: %q", tf.Text())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	url := startRelay(t, func(conn *websocket.Conn) {
		confirm(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := New(Config{URL: url})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Recv():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("recv channel not released after close")
		}
	}
}

func TestServerDropSurfacesOnRecv(t *testing.T) {
	url := startRelay(t, func(conn *websocket.Conn) {
		confirm(conn)
		_ = conn.Close()
	})
	c := New(Config{URL: url, SessionID: "session-1"})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer c.Close()

	waitSystem(t, c.Recv(), "relay_connected")
	waitSystem(t, c.Recv(), "relay_closed")

	select {
	case _, ok := <-c.Recv():
		if ok {
			t.Fatalf("expected recv channel to close after drop")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("recv channel not closed after server drop")
	}
}

func TestCloseBeforeOpenReleasesRecv(t *testing.T) {
	c := New(Config{URL: "ws://relay.local/ws"})
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	select {
	case _, ok := <-c.Recv():
		if ok {
			t.Fatalf("unexpected frame from unopened conduit")
		}
	case <-time.After(time.Second):
		t.Fatalf("recv channel not released")
	}
}
