package supervisor

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// pumpPair dials a test server whose handler receives the server-side conn
// and returns a pump over the client side.
func pumpPair(t *testing.T, server func(*websocket.Conn)) *ClientPump {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		server(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	p := NewClientPump(conn)
	t.Cleanup(p.Stop)
	return p
}

func TestPumpDeliversFramesInOrder(t *testing.T) {
	p := pumpPair(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("one"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("two"))
	})

	for _, want := range []string{"one", "two"} {
		_, data, err := p.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != want {
			t.Fatalf("read %q, want %q", data, want)
		}
	}
}

func TestPumpInterruptAndReset(t *testing.T) {
	send := make(chan string, 1)
	p := pumpPair(t, func(conn *websocket.Conn) {
		for text := range send {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(text))
		}
	})

	done := make(chan error, 1)
	go func() {
		_, _, err := p.ReadMessage()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Interrupt()
	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("interrupted read returned %v, want ErrInterrupted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Interrupt did not unblock the read")
	}

	// A frame sent while detached is preserved for the next session.
	send <- "later"
	p.Reset()
	_, data, err := p.ReadMessage()
	if err != nil {
		t.Fatalf("read after reset: %v", err)
	}
	if string(data) != "later" {
		t.Fatalf("read %q, want the frame sent during detach", data)
	}
	close(send)
}

func TestPumpReadErrorIsSticky(t *testing.T) {
	p := pumpPair(t, func(conn *websocket.Conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})

	_, _, err := p.ReadMessage()
	if err == nil {
		t.Fatalf("expected read error after peer close")
	}
	_, _, again := p.ReadMessage()
	if again == nil {
		t.Fatalf("expected sticky error on subsequent reads")
	}
}
