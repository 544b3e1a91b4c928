package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gorilla/websocket/websockettest"

	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/pubsub"
	"github.com/spk364/procomp/internal/store"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newTestServer(t *testing.T, hubCfg HubConfig) (*httptest.Server, string) {
	t.Helper()
	hub := NewHub(pubsub.NewLocal(), pubsub.NewLocalLease(), store.NewMemory(), nil, nil, nil, logging.L(), nil, hubCfg)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conn := newConnection(hub, wsConn, "m1", "", "match:m1", roleViewer, nil, logging.L())
		conn.sendConnectionStatus()
		conn.run(context.Background())
	}))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return server, wsURL
}

func TestConnection_PingReceivesPong(t *testing.T) {
	server, wsURL := newTestServer(t, HubConfig{SendQueueSize: 8, SendTimeout: time.Second})
	defer server.Close()

	client, _, err := websockettest.DialIgnoringPongs(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	raw, err := encodeFrame(Frame{Type: FramePing, CorrelationID: "c1"}, time.Now())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := client.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	// First frame received is CONNECTION_STATUS, sent on accept; skip it.
	if err := readUntilType(t, client, FrameConnectionStatus); err != nil {
		t.Fatalf("expected connection status frame: %v", err)
	}

	var frame Frame
	if err := readFrame(client, &frame); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if frame.Type != FramePong {
		t.Fatalf("expected PONG, got %s", frame.Type)
	}
	if frame.CorrelationID != "c1" {
		t.Fatalf("expected correlationId c1 to be echoed, got %q", frame.CorrelationID)
	}
}

func TestConnection_MalformedFrameYieldsErrorFrame(t *testing.T) {
	server, wsURL := newTestServer(t, HubConfig{SendQueueSize: 8, SendTimeout: time.Second})
	defer server.Close()

	client, _, err := websockettest.DialIgnoringPongs(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte("not-json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := readUntilType(t, client, FrameConnectionStatus); err != nil {
		t.Fatalf("expected connection status frame: %v", err)
	}

	var frame Frame
	if err := readFrame(client, &frame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if frame.Type != FrameError {
		t.Fatalf("expected ERROR, got %s", frame.Type)
	}
}

func TestEnqueue_EvictsSlowConsumerAfterTimeout(t *testing.T) {
	hubCfg := HubConfig{SendQueueSize: 1, SendTimeout: 20 * time.Millisecond}
	hub := NewHub(pubsub.NewLocal(), pubsub.NewLocalLease(), store.NewMemory(), nil, nil, nil, logging.L(), nil, hubCfg)

	connCh := make(chan *Connection, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		// Intentionally never calls run(): nothing drains the send queue,
		// so the next enqueue must hit SendTimeout and evict.
		connCh <- newConnection(hub, wsConn, "m1", "", "match:m1", roleViewer, nil, logging.L())
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websockettest.DialIgnoringPongs(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	conn := <-connCh
	// Fill the queue so the next enqueue must wait on SendTimeout and fail.
	conn.send <- []byte("filler")
	if ok := conn.enqueue([]byte("overflow")); ok {
		t.Fatal("expected enqueue to fail once the queue stays full past SendTimeout")
	}
	select {
	case <-conn.closed:
	default:
		t.Fatal("expected the connection to be closed after slow-consumer eviction")
	}
}

func readFrame(conn *websocket.Conn, out *Frame) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func readUntilType(t *testing.T, conn *websocket.Conn, want FrameType) error {
	t.Helper()
	var frame Frame
	if err := readFrame(conn, &frame); err != nil {
		return err
	}
	if frame.Type != want {
		t.Fatalf("expected first frame %s, got %s", want, frame.Type)
	}
	return nil
}
