package bus

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func serveHub(t *testing.T, h *Hub) *websocket.Dialer {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: h.Handler, KeepHijackedConns: true}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { ln.Close() })

	return &websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return ln.Dial()
		},
		HandshakeTimeout: 2 * time.Second,
	}
}

func dial(t *testing.T, d *websocket.Dialer) *websocket.Conn {
	t.Helper()
	conn, _, err := d.Dial("ws://bus/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := NewHub(nil)
	d := serveHub(t, h)

	c1 := dial(t, d)
	c2 := dial(t, d)

	waitForClients(t, h, 2)
	h.Broadcast("request_completed", map[string]string{"request_id": "req-1"})

	for _, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != "request_completed" {
			t.Fatalf("type = %q", ev.Type)
		}
		data, ok := ev.Data.(map[string]any)
		if !ok || data["request_id"] != "req-1" {
			t.Fatalf("data = %#v", ev.Data)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("timestamp not set")
		}
	}
}

func TestClientCountCallback(t *testing.T) {
	h := NewHub(nil)

	counts := make(chan int, 8)
	h.OnClientCountChange = func(n int) { counts <- n }

	d := serveHub(t, h)
	conn := dial(t, d)

	if n := waitCount(t, counts); n != 1 {
		t.Fatalf("count after connect = %d", n)
	}

	conn.Close()
	if n := waitCount(t, counts); n != 0 {
		t.Fatalf("count after disconnect = %d", n)
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	h := NewHub(nil)
	d := serveHub(t, h)
	conn := dial(t, d)

	waitForClients(t, h, 1)
	h.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if h.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d after Close", h.ClientCount())
	}

	// Broadcasting into a closed hub must be a no-op.
	h.Broadcast("request_completed", nil)
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ClientCount = %d, want %d", h.ClientCount(), want)
}

func waitCount(t *testing.T, counts chan int) int {
	t.Helper()
	select {
	case n := <-counts:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no count callback")
		return -1
	}
}
