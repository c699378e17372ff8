package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var serverUpgrader = websocket.Upgrader{
	Subprotocols: []string{subprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := serverUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
}

func TestDialRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	addr := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dialer{}.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	msg := []byte("relay cell payload")
	if _, err := c.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, len(msg))
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
}

func TestDialerName(t *testing.T) {
	if (Dialer{}).Name() != "ws" {
		t.Fatalf("expected carrier name %q, got %q", "ws", Dialer{}.Name())
	}
}

func TestReadServesPartialMessageAcrossCalls(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	addr := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dialer{}.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	msg := []byte("0123456789")
	if _, err := c.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))

	first := make([]byte, 4)
	n, err := c.Read(first)
	if err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if string(first[:n]) != "0123" {
		t.Fatalf("first Read got %q", first[:n])
	}

	rest := make([]byte, 6)
	n, err = c.Read(rest)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if string(rest[:n]) != "456789" {
		t.Fatalf("second Read got %q", rest[:n])
	}
}
