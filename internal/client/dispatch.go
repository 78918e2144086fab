package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/burrow/internal/httpx"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
)

const maxLocalResponseBytes = 10 << 20

// handleRequest replays one forwarded HTTP request against the local service
// and emits the correlated response. Local failures become a synthetic 502,
// never a channel error: a broken local service must not take the tunnel down.
func (r *Runtime) handleRequest(m proto.Request) {
	url := fmt.Sprintf("http://%s:%d%s", r.cfg.LocalHost, r.cfg.LocalPort, m.URL)
	var body io.Reader
	if len(m.Body) > 0 {
		body = bytes.NewReader(m.Body)
	}
	req, err := http.NewRequest(m.Method, url, body)
	if err != nil {
		r.sendErrorResponse(m.ID, fmt.Sprintf("build local request: %v", err))
		return
	}
	for name, value := range httpx.StripHopUnsafe(m.Headers) {
		req.Header.Set(name, value)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		obs.Error("client.local.http", obs.Fields{"err": err.Error(), "id": m.ID, "url": url})
		r.sendErrorResponse(m.ID, fmt.Sprintf("local service unreachable: %v", err))
		return
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxLocalResponseBytes))
	if err != nil {
		r.sendErrorResponse(m.ID, fmt.Sprintf("read local response: %v", err))
		return
	}
	headers := httpx.Flatten(resp.Header)
	cookies := resp.Header.Values("Set-Cookie")
	if len(cookies) > 0 {
		// Repeated Set-Cookie fields must not be comma-joined.
		delete(headers, "Set-Cookie")
	}
	out := proto.Response{
		Type:       proto.TypeResponse,
		ID:         m.ID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		SetCookie:  cookies,
		Body:       respBody,
	}
	if err := r.send(out); err != nil {
		obs.Error("client.response.send", obs.Fields{"err": err.Error(), "id": m.ID})
	}
}

func (r *Runtime) sendErrorResponse(id, reason string) {
	out := proto.Response{
		Type:       proto.TypeResponse,
		ID:         id,
		StatusCode: http.StatusBadGateway,
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Body:       []byte(reason),
	}
	_ = r.send(out)
}

// handleTCPConnect opens the raw stream toward the local target and pumps
// bytes back as tcp_data until either side closes.
func (r *Runtime) handleTCPConnect(m proto.TCPConnect) {
	addr := net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		obs.Error("client.local.tcp", obs.Fields{"err": err.Error(), "id": m.ConnID, "addr": addr})
		_ = r.send(proto.TCPClose{Type: proto.TypeTCPClose, ConnID: m.ConnID, Error: err.Error()})
		return
	}
	r.mu.Lock()
	r.tcpConns[m.ConnID] = conn
	r.mu.Unlock()
	if len(m.Data) > 0 {
		if _, err := conn.Write(m.Data); err != nil {
			r.dropTCP(m.ConnID, err.Error())
			return
		}
	}
	obs.Debug("client.tcp.open", obs.Fields{"id": m.ConnID, "addr": addr})

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := r.send(proto.TCPData{Type: proto.TypeTCPData, ConnID: m.ConnID, Data: data}); serr != nil {
				r.dropTCP(m.ConnID, "")
				return
			}
		}
		if err != nil {
			reason := ""
			if err != io.EOF {
				reason = err.Error()
			}
			r.mu.Lock()
			_, stillOurs := r.tcpConns[m.ConnID]
			delete(r.tcpConns, m.ConnID)
			r.mu.Unlock()
			_ = conn.Close()
			if stillOurs {
				_ = r.send(proto.TCPClose{Type: proto.TypeTCPClose, ConnID: m.ConnID, Error: reason})
			}
			return
		}
	}
}

// dropTCP closes a local TCP stream without notifying the server; reason is
// logged when present.
func (r *Runtime) dropTCP(connID, reason string) {
	r.mu.Lock()
	conn := r.tcpConns[connID]
	delete(r.tcpConns, connID)
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if reason != "" {
		obs.Debug("client.tcp.drop", obs.Fields{"id": connID, "reason": reason})
	}
}

// handleUpgrade performs the local websocket handshake and reports the
// computed accept key for the browser's original handshake key.
func (r *Runtime) handleUpgrade(m proto.WSUpgrade) {
	localURL := fmt.Sprintf("ws://%s:%d%s", r.cfg.LocalHost, r.cfg.LocalPort, m.URL)
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     httpx.WebSocketProtocols(m.Headers),
	}
	conn, resp, err := dialer.Dial(localURL, httpx.WebsocketSafe(m.Headers))
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		obs.Error("client.local.ws", obs.Fields{"err": err.Error(), "id": m.UpgradeID, "url": localURL, "status": status})
		_ = r.send(proto.WSUpgradeResponse{Type: proto.TypeWSUpgradeResponse, UpgradeID: m.UpgradeID, Success: false, Error: err.Error()})
		return
	}
	key := httpx.SecWebSocketKey(m.Headers)
	ack := proto.WSUpgradeResponse{
		Type:      proto.TypeWSUpgradeResponse,
		UpgradeID: m.UpgradeID,
		Success:   true,
		Accept:    httpx.AcceptKey(key),
		Protocol:  conn.Subprotocol(),
	}
	if err := r.send(ack); err != nil {
		_ = conn.Close()
		return
	}
	r.mu.Lock()
	r.wsConns[m.UpgradeID] = conn
	r.mu.Unlock()
	obs.Info("client.ws.open", obs.Fields{"id": m.UpgradeID, "url": localURL})
	go r.pumpLocalWS(m.UpgradeID, conn)
}

// pumpLocalWS relays frames from the local websocket back toward the browser.
func (r *Runtime) pumpLocalWS(upgradeID string, conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var code int
			var reason string
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				code, reason = ce.Code, ce.Text
			}
			r.mu.Lock()
			_, stillOurs := r.wsConns[upgradeID]
			delete(r.wsConns, upgradeID)
			r.mu.Unlock()
			_ = conn.Close()
			if stillOurs {
				_ = r.send(proto.WSClose{Type: proto.TypeWSClose, UpgradeID: upgradeID, Code: code, Reason: reason})
			}
			return
		}
		frame := proto.WSFrame{
			Type:         proto.TypeWSFrame,
			UpgradeID:    upgradeID,
			Data:         data,
			Direction:    proto.DirToBrowser,
			Binary:       mt == websocket.BinaryMessage,
			OriginalSize: len(data),
		}
		if err := r.send(frame); err != nil {
			return
		}
	}
}

// forwardFrameToLocal delivers a browser frame to the local websocket,
// preserving the text/binary flag.
func (r *Runtime) forwardFrameToLocal(m proto.WSFrame) {
	r.mu.Lock()
	conn := r.wsConns[m.UpgradeID]
	r.mu.Unlock()
	if conn == nil {
		return
	}
	mt := websocket.TextMessage
	if m.Binary {
		mt = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(mt, m.Data); err != nil {
		r.dropLocalWS(m.UpgradeID)
	}
}

// closeLocalWS relays a browser-initiated close to the local websocket,
// preserving the status code and reason when present.
func (r *Runtime) closeLocalWS(m proto.WSClose) {
	r.mu.Lock()
	conn := r.wsConns[m.UpgradeID]
	delete(r.wsConns, m.UpgradeID)
	r.mu.Unlock()
	if conn == nil {
		return
	}
	if m.Code != 0 {
		msg := websocket.FormatCloseMessage(m.Code, m.Reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	_ = conn.Close()
}

// dropLocalWS closes a local websocket without notifying the server.
func (r *Runtime) dropLocalWS(upgradeID string) {
	r.mu.Lock()
	conn := r.wsConns[upgradeID]
	delete(r.wsConns, upgradeID)
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
