package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/burrow/internal/httpx"
	"github.com/matst80/burrow/internal/proto"
)

var stubUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// startControlStub runs a fake relay: it accepts the control channel, answers
// the registration, and hands the live conn to the test script.
func startControlStub(t *testing.T, script func(ws *websocket.Conn)) (host string, port int, cleanup func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		ws, err := stubUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("stub upgrade: %v", err)
			return
		}
		defer ws.Close()

		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.Decode(raw)
		if err != nil {
			t.Errorf("stub decode config: %v", err)
			return
		}
		if _, ok := msg.(proto.Config); !ok {
			t.Errorf("first message %T, want config", msg)
			return
		}
		ack := proto.Connected{Type: proto.TypeConnected, TunnelID: "abc123", URL: "http://abc123.example.com"}
		if err := ws.WriteJSON(ack); err != nil {
			return
		}
		script(ws)
	})
	ts := httptest.NewServer(mux)
	h, p, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	n, _ := strconv.Atoi(p)
	return h, n, ts.Close
}

// readTyped reads control messages until one of type T arrives, skipping the
// rest.
func readTyped[T any](t *testing.T, ws *websocket.Conn) T {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, raw, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("stub read: %v", err)
		}
		msg, err := proto.Decode(raw)
		if err != nil {
			t.Fatalf("stub decode: %v", err)
		}
		if m, ok := msg.(T); ok {
			return m
		}
	}
}

func runClient(t *testing.T, cfg Config) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = New(cfg).Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("client did not stop")
		}
	}
}

func TestClientServesForwardedRequest(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			t.Errorf("local got path %q", r.URL.Path)
		}
		if r.Header.Get("X-Custom") != "yes" {
			t.Errorf("custom header missing, got %q", r.Header.Get("X-Custom"))
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Add("Set-Cookie", "a=1; Expires=Wed, 21 Oct 2026 07:28:00 GMT")
		w.Header().Add("Set-Cookie", "b=2; Path=/")
		fmt.Fprint(w, "local says hi")
	}))
	defer local.Close()
	_, localPort, err := net.SplitHostPort(local.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	lp, _ := strconv.Atoi(localPort)

	got := make(chan proto.Response, 1)
	host, port, cleanup := startControlStub(t, func(ws *websocket.Conn) {
		req := proto.Request{
			Type:    proto.TypeRequest,
			ID:      "r1",
			Method:  "GET",
			URL:     "/hello",
			Headers: map[string]string{"X-Custom": "yes", "Host": "abc123.example.com"},
		}
		if err := ws.WriteJSON(req); err != nil {
			return
		}
		got <- readTyped[proto.Response](t, ws)
	})
	defer cleanup()

	stop := runClient(t, Config{ServerHost: host, ServerPort: port, LocalHost: "127.0.0.1", LocalPort: lp})
	defer stop()

	select {
	case resp := <-got:
		if resp.ID != "r1" || resp.StatusCode != 200 {
			t.Fatalf("response %+v", resp)
		}
		if string(resp.Body) != "local says hi" {
			t.Errorf("body = %q", resp.Body)
		}
		if resp.Headers["Content-Type"] != "text/plain" {
			t.Errorf("content-type = %q", resp.Headers["Content-Type"])
		}
		if len(resp.SetCookie) != 2 || resp.SetCookie[0] != "a=1; Expires=Wed, 21 Oct 2026 07:28:00 GMT" {
			t.Errorf("setCookie = %v", resp.SetCookie)
		}
		if _, joined := resp.Headers["Set-Cookie"]; joined {
			t.Error("Set-Cookie must not travel comma-joined in the header map")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response from client")
	}
}

func TestClientLocalFailureBecomes502(t *testing.T) {
	// Grab a port nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, deadPort, _ := net.SplitHostPort(l.Addr().String())
	dp, _ := strconv.Atoi(deadPort)
	l.Close()

	got := make(chan proto.Response, 1)
	host, port, cleanup := startControlStub(t, func(ws *websocket.Conn) {
		req := proto.Request{Type: proto.TypeRequest, ID: "r2", Method: "GET", URL: "/"}
		if err := ws.WriteJSON(req); err != nil {
			return
		}
		got <- readTyped[proto.Response](t, ws)
	})
	defer cleanup()

	stop := runClient(t, Config{ServerHost: host, ServerPort: port, LocalHost: "127.0.0.1", LocalPort: dp})
	defer stop()

	select {
	case resp := <-got:
		if resp.StatusCode != 502 {
			t.Fatalf("status = %d, want 502", resp.StatusCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response from client")
	}
}

func TestClientBridgesLocalWebsocket(t *testing.T) {
	localUpgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"graphql-ws"},
	}
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := localUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer local.Close()
	_, localPort, _ := net.SplitHostPort(local.Listener.Addr().String())
	lp, _ := strconv.Atoi(localPort)

	type bridged struct {
		ack   proto.WSUpgradeResponse
		frame proto.WSFrame
	}
	got := make(chan bridged, 1)
	host, port, cleanup := startControlStub(t, func(ws *websocket.Conn) {
		up := proto.WSUpgrade{
			Type:      proto.TypeWSUpgrade,
			UpgradeID: "u1",
			Method:    "GET",
			URL:       "/ws",
			Headers: map[string]string{
				"Sec-WebSocket-Key":      "dGhlIHNhbXBsZSBub25jZQ==",
				"Sec-WebSocket-Protocol": "graphql-ws",
			},
		}
		if err := ws.WriteJSON(up); err != nil {
			return
		}
		ack := readTyped[proto.WSUpgradeResponse](t, ws)
		frame := proto.WSFrame{Type: proto.TypeWSFrame, UpgradeID: "u1", Data: []byte("hi"), Direction: proto.DirToLocal}
		if err := ws.WriteJSON(frame); err != nil {
			return
		}
		got <- bridged{ack: ack, frame: readTyped[proto.WSFrame](t, ws)}
	})
	defer cleanup()

	stop := runClient(t, Config{ServerHost: host, ServerPort: port, LocalHost: "127.0.0.1", LocalPort: lp})
	defer stop()

	select {
	case b := <-got:
		if !b.ack.Success {
			t.Fatalf("upgrade refused: %s", b.ack.Error)
		}
		if b.ack.Accept != httpx.AcceptKey("dGhlIHNhbXBsZSBub25jZQ==") {
			t.Errorf("accept = %q", b.ack.Accept)
		}
		if b.ack.Protocol != "graphql-ws" {
			t.Errorf("negotiated protocol = %q", b.ack.Protocol)
		}
		if b.frame.Direction != proto.DirToBrowser || string(b.frame.Data) != "echo:hi" {
			t.Errorf("relayed frame %+v", b.frame)
		}
		if b.frame.OriginalSize != len("echo:hi") {
			t.Errorf("originalSize = %d", b.frame.OriginalSize)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no bridged frame")
	}
}

func TestClientRelaysLocalCloseCode(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := stubUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "going away")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// Wait for the peer's close response before dropping the socket.
		_, _, _ = ws.ReadMessage()
	}))
	defer local.Close()
	_, localPort, _ := net.SplitHostPort(local.Listener.Addr().String())
	lp, _ := strconv.Atoi(localPort)

	got := make(chan proto.WSClose, 1)
	host, port, cleanup := startControlStub(t, func(ws *websocket.Conn) {
		up := proto.WSUpgrade{
			Type:      proto.TypeWSUpgrade,
			UpgradeID: "u2",
			Method:    "GET",
			URL:       "/ws",
			Headers:   map[string]string{"Sec-WebSocket-Key": "dGhlIHNhbXBsZSBub25jZQ=="},
		}
		if err := ws.WriteJSON(up); err != nil {
			return
		}
		_ = readTyped[proto.WSUpgradeResponse](t, ws)
		got <- readTyped[proto.WSClose](t, ws)
	})
	defer cleanup()

	stop := runClient(t, Config{ServerHost: host, ServerPort: port, LocalHost: "127.0.0.1", LocalPort: lp})
	defer stop()

	select {
	case cl := <-got:
		if cl.UpgradeID != "u2" || cl.Code != websocket.CloseGoingAway || cl.Reason != "going away" {
			t.Fatalf("relayed close %+v", cl)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no close relayed from client")
	}
}

func TestClientServesTCPStream(t *testing.T) {
	// Local line-based TCP service that uppercases nothing, just echoes back.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		_, _ = conn.Write(append([]byte("got:"), buf[:n]...))
	}()
	localHost, localPort, _ := net.SplitHostPort(l.Addr().String())
	lp, _ := strconv.Atoi(localPort)

	got := make(chan proto.TCPData, 1)
	host, port, cleanup := startControlStub(t, func(ws *websocket.Conn) {
		open := proto.TCPConnect{Type: proto.TypeTCPConnect, ConnID: "c1", Host: localHost, Port: lp, Data: []byte("ping")}
		if err := ws.WriteJSON(open); err != nil {
			return
		}
		got <- readTyped[proto.TCPData](t, ws)
	})
	defer cleanup()

	stop := runClient(t, Config{ServerHost: host, ServerPort: port, LocalHost: "127.0.0.1", LocalPort: 1})
	defer stop()

	select {
	case data := <-got:
		if data.ConnID != "c1" || string(data.Data) != "got:ping" {
			t.Fatalf("tcp data %+v", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no tcp data from client")
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	// Port with no listener.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, deadPort, _ := net.SplitHostPort(l.Addr().String())
	dp, _ := strconv.Atoi(deadPort)
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = New(Config{ServerHost: "127.0.0.1", ServerPort: dp, LocalPort: 3000, MaxRetries: 2}).Run(ctx)
	if err == nil {
		t.Fatal("expected error after retry budget")
	}
	if ctx.Err() != nil {
		t.Fatal("hit the test timeout instead of the retry cap")
	}
}
