package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWithFields_MergesAndEventWins(t *testing.T) {
	rec := &Recorder{}
	s := WithFields(rec, map[string]any{"installation_id": "abc", "host": "default"})
	s.Emit("connected", LevelSuccess, map[string]any{"host": "10.0.0.5"})

	got := rec.Events()
	if len(got) != 1 {
		t.Fatalf("recorded %d events, want 1", len(got))
	}
	if got[0].Data["installation_id"] != "abc" {
		t.Errorf("installation_id = %v, want abc", got[0].Data["installation_id"])
	}
	if got[0].Data["host"] != "10.0.0.5" {
		t.Errorf("host = %v, want 10.0.0.5", got[0].Data["host"])
	}
}

func TestMulti_FansOutAndSkipsNil(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, nil, b}.Emit("hello", LevelWarning, nil)
	if a.Count(LevelWarning) != 1 || b.Count(LevelWarning) != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", a.Count(LevelWarning), b.Count(LevelWarning))
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) != Nop {
		t.Error("OrNop(nil) should return Nop")
	}
	OrNop(nil).Emit("ignored", LevelInfo, nil)
}

func TestSlogSink_MapsLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	NewSlogSink(logger).Emit("disk check skipped", LevelWarning, map[string]any{"host": "h1"})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", line["level"])
	}
	if line["host"] != "h1" {
		t.Errorf("host = %v, want h1", line["host"])
	}
}

func TestHub_BroadcastsToWebsocketClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(slog.Default())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Emit("installing", LevelInfo, map[string]any{"step": "install"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("invalid event %q: %v", msg, err)
	}
	if ev.Message != "installing" || ev.Level != LevelInfo || ev.Data["step"] != "install" {
		t.Errorf("event = %+v", ev)
	}
}
