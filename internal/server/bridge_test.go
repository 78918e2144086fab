package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matst80/burrow/internal/httpx"
	"github.com/matst80/burrow/internal/proto"
	"github.com/matst80/burrow/internal/registry"
	"github.com/matst80/burrow/internal/wsframe"
)

// scriptedHost is a channelHost for bridge tests: it accepts the handshake
// like a live client and exposes what crossed the channel.
type scriptedHost struct {
	scriptedChannel

	bridgeAdded chan *wsBridge
	closeNotify chan bool
	frames      chan proto.WSFrame
	closes      chan proto.WSClose
}

func newScriptedHost() *scriptedHost {
	return &scriptedHost{
		bridgeAdded: make(chan *wsBridge, 1),
		closeNotify: make(chan bool, 1),
		frames:      make(chan proto.WSFrame, 16),
		closes:      make(chan proto.WSClose, 1),
	}
}

func (h *scriptedHost) addBridge(id string, b *wsBridge) bool {
	h.bridgeAdded <- b
	return true
}

func (h *scriptedHost) closeBridge(id string, notifyClient bool) {
	select {
	case h.closeNotify <- notifyClient:
	default:
	}
}

func (h *scriptedHost) addStream(id string, conn net.Conn) bool { return true }
func (h *scriptedHost) closeStream(id string, notifyClient bool) {}

func maskedFrame(payload []byte, opcode byte) []byte {
	key := [4]byte{0xa1, 0xb2, 0xc3, 0xd4}
	unmasked := wsframe.BuildOpcode(payload, opcode)
	headerLen := len(unmasked) - len(payload)
	out := append([]byte{}, unmasked[:headerLen]...)
	out[1] |= 0x80
	out = append(out, key[:]...)
	for i, b := range payload {
		out = append(out, b^key[i%4])
	}
	return out
}

func TestUpgradeBridgeEndToEnd(t *testing.T) {
	reg := registry.New()
	s := New(reg, Options{})
	host := newScriptedHost()
	host.onSend = func(msg any) {
		switch m := msg.(type) {
		case proto.WSUpgrade:
			key := httpx.SecWebSocketKey(m.Headers)
			s.pending.resolve(m.UpgradeID, proto.WSUpgradeResponse{
				Type:      proto.TypeWSUpgradeResponse,
				UpgradeID: m.UpgradeID,
				Success:   true,
				Accept:    httpx.AcceptKey(key),
				Protocol:  m.Headers["Sec-Websocket-Protocol"],
			})
		case proto.WSFrame:
			host.frames <- m
		case proto.WSClose:
			host.closes <- m
		}
	}
	reg.Register("abc123", host, "localhost", 3000)

	ts := httptest.NewServer(s.PublicHandler())
	defer ts.Close()

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	handshake := "GET /ws HTTP/1.1\r\n" +
		"Host: abc123.example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Protocol: graphql-ws\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(handshake)); err != nil {
		t.Fatal(err)
	}

	rd := bufio.NewReader(conn)
	status, err := rd.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("status line %q", status)
	}
	var acceptHeader, protocolHeader string
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "sec-websocket-accept:") {
			acceptHeader = strings.TrimSpace(line[len("sec-websocket-accept:"):])
		}
		if strings.HasPrefix(strings.ToLower(line), "sec-websocket-protocol:") {
			protocolHeader = strings.TrimSpace(line[len("sec-websocket-protocol:"):])
		}
	}
	if acceptHeader != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("accept = %q", acceptHeader)
	}
	if protocolHeader != "graphql-ws" {
		t.Errorf("negotiated protocol = %q", protocolHeader)
	}

	var bridge *wsBridge
	select {
	case bridge = <-host.bridgeAdded:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never registered")
	}

	// Browser -> local: masked text frame is unmasked and relayed.
	if _, err := conn.Write(maskedFrame([]byte("ping"), wsframe.OpText)); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-host.frames:
		if string(f.Data) != "ping" || f.Direction != proto.DirToLocal || f.Binary {
			t.Errorf("relayed frame: %+v", f)
		}
		if f.OriginalSize != 4 {
			t.Errorf("originalSize = %d", f.OriginalSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never relayed to client")
	}

	// Local -> browser: payload comes back re-framed without a mask.
	bridge.writeToBrowser(proto.WSFrame{Data: []byte("ping")})
	var asm wsframe.Assembler
	buf := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := asm.Next()
		if err == nil {
			if f.Masked {
				t.Error("server-to-client frame must be unmasked")
			}
			if string(f.Payload) != "ping" || f.Opcode != wsframe.OpText {
				t.Errorf("browser got %q opcode %d", f.Payload, f.Opcode)
			}
			break
		}
		if !errors.Is(err, wsframe.ErrIncomplete) {
			t.Fatal(err)
		}
		if time.Now().After(deadline) {
			t.Fatal("no frame from bridge")
		}
		n, err := rd.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		asm.Push(buf[:n])
	}

	// Browser close frame tears the bridge down; its status code and reason
	// travel to the client in the close message.
	if _, err := conn.Write(maskedFrame(wsframe.ClosePayload(1000, "done"), wsframe.OpClose)); err != nil {
		t.Fatal(err)
	}
	select {
	case cl := <-host.closes:
		if cl.Code != 1000 || cl.Reason != "done" {
			t.Errorf("relayed close: code=%d reason=%q", cl.Code, cl.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close never relayed to client")
	}
	select {
	case notified := <-host.closeNotify:
		if notified {
			t.Error("close already relayed with its payload; no duplicate notify expected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never closed")
	}
}

func TestUpgradeNoTunnel(t *testing.T) {
	s := New(registry.New(), Options{})
	ts := httptest.NewServer(s.PublicHandler())
	defer ts.Close()

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "GET /ws HTTP/1.1\r\nHost: ghost.example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: x\r\n\r\n")
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "404") {
		t.Errorf("status = %q", status)
	}
}

func TestUpgradeRefused(t *testing.T) {
	reg := registry.New()
	s := New(reg, Options{})
	host := newScriptedHost()
	host.onSend = func(msg any) {
		if m, ok := msg.(proto.WSUpgrade); ok {
			s.pending.resolve(m.UpgradeID, proto.WSUpgradeResponse{UpgradeID: m.UpgradeID, Success: false, Error: "local refused"})
		}
	}
	reg.Register("abc123", host, "localhost", 3000)
	ts := httptest.NewServer(s.PublicHandler())
	defer ts.Close()

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "GET /ws HTTP/1.1\r\nHost: abc123.example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: x\r\n\r\n")
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "400") {
		t.Errorf("status = %q", status)
	}
}
