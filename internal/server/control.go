package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
	"github.com/matst80/burrow/internal/registry"
)

const (
	// pongWait bounds silence on a control channel; clients ping well inside it.
	pongWait     = 90 * time.Second
	controlWrite = 10 * time.Second
)

var controlUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The control endpoint is reached by tunnel clients, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ControlHandler upgrades tunnel clients to their persistent control channel.
func (s *Server) ControlHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.Limiter.AllowRegister() {
			obs.ErrorsTotal.WithLabelValues("register_ratelimited").Inc()
			http.Error(w, "too many registrations", http.StatusTooManyRequests)
			return
		}
		ws, err := controlUpgrader.Upgrade(w, r, nil)
		if err != nil {
			obs.Error("control.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
			return
		}
		c := newControlConn(s, ws)
		if !s.trackConn(c) {
			_ = ws.Close()
			return
		}
		c.run()
	})
}

// channelHost is what the bridge and TCP forwarder need from a control
// channel: sending messages plus ownership of the per-channel socket maps.
// controlConn implements it; tests substitute a scripted fake.
type channelHost interface {
	registry.Channel
	addBridge(id string, b *wsBridge) bool
	closeBridge(id string, notifyClient bool)
	addStream(id string, conn net.Conn) bool
	closeStream(id string, notifyClient bool)
}

// controlConn is the server half of one control channel. It owns the bridged
// websocket sockets and raw TCP streams keyed to its tunnel, so closing the
// channel can fail them all synchronously.
type controlConn struct {
	srv *Server
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	tunnel  *registry.Tunnel
	bridges map[string]*wsBridge
	streams map[string]net.Conn
	closed  bool
}

func newControlConn(s *Server, ws *websocket.Conn) *controlConn {
	return &controlConn{
		srv:     s,
		ws:      ws,
		bridges: make(map[string]*wsBridge),
		streams: make(map[string]net.Conn),
	}
}

var _ channelHost = (*controlConn)(nil)

// Send writes one control message. gorilla conns allow a single writer, so
// all sends funnel through writeMu.
func (c *controlConn) Send(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(controlWrite))
	return c.ws.WriteJSON(msg)
}

func (c *controlConn) Close() error { return c.ws.Close() }

func (c *controlConn) run() {
	defer c.cleanup()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWrite))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			obs.Debug("control.read.end", obs.Fields{"err": err.Error()})
			return
		}
		msg, err := proto.Decode(raw)
		if err != nil {
			// Malformed messages are dropped, never fatal to the channel.
			obs.Error("control.message.drop", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("malformed_message").Inc()
			continue
		}
		c.dispatch(msg)
	}
}

func (c *controlConn) dispatch(msg any) {
	switch m := msg.(type) {
	case proto.Config:
		c.handleConfig(m)
	case proto.Response:
		if !c.srv.pending.resolve(m.ID, m) {
			obs.Debug("control.response.late", obs.Fields{"id": m.ID})
		}
	case proto.WSUpgradeResponse:
		if !c.srv.pending.resolve(m.UpgradeID, m) {
			obs.Debug("control.upgrade_response.late", obs.Fields{"id": m.UpgradeID})
		}
	case proto.WSFrame:
		if m.Direction != proto.DirToBrowser {
			obs.Debug("control.frame.bad_direction", obs.Fields{"direction": m.Direction})
			return
		}
		if b := c.getBridge(m.UpgradeID); b != nil {
			b.writeToBrowser(m)
		}
	case proto.WSClose:
		if b := c.getBridge(m.UpgradeID); b != nil && m.Code != 0 {
			b.writeClose(m.Code, m.Reason)
		}
		c.closeBridge(m.UpgradeID, false)
	case proto.TCPData:
		c.mu.Lock()
		stream := c.streams[m.ConnID]
		c.mu.Unlock()
		if stream != nil {
			if _, err := stream.Write(m.Data); err != nil {
				c.closeStream(m.ConnID, true)
			}
		}
	case proto.TCPClose:
		c.closeStream(m.ConnID, false)
	default:
		obs.Error("control.message.unexpected", obs.Fields{"type": typeName(msg)})
		obs.ErrorsTotal.WithLabelValues("unexpected_message").Inc()
	}
}

func typeName(msg any) string {
	switch msg.(type) {
	case proto.Connected:
		return proto.TypeConnected
	case proto.Request:
		return proto.TypeRequest
	case proto.TCPConnect:
		return proto.TypeTCPConnect
	case proto.WSUpgrade:
		return proto.TypeWSUpgrade
	default:
		return "unknown"
	}
}

func (c *controlConn) handleConfig(m proto.Config) {
	c.mu.Lock()
	already := c.tunnel != nil
	c.mu.Unlock()
	if already {
		// Routing target is immutable for the channel's lifetime.
		obs.Error("control.config.repeated", obs.Fields{"remote": c.ws.RemoteAddr().String()})
		return
	}
	if m.LocalPort <= 0 || m.LocalPort > 65535 {
		obs.Error("control.config.bad_port", obs.Fields{"port": m.LocalPort})
		_ = c.Close()
		return
	}
	localHost := m.LocalHost
	if localHost == "" {
		localHost = "localhost"
	}
	id := registry.NewID()
	tunnel, err := c.srv.reg.Register(id, c, localHost, m.LocalPort)
	if err != nil {
		// Random 8-char collision; one retry is plenty.
		id = registry.NewID()
		tunnel, err = c.srv.reg.Register(id, c, localHost, m.LocalPort)
	}
	if err != nil {
		obs.Error("control.register", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("register_conflict").Inc()
		_ = c.Close()
		return
	}
	name := id
	if sub := registry.SanitizeSubdomain(m.Subdomain); sub != "" {
		if c.srv.reg.RegisterAlias(id, sub) {
			name = sub
		}
	}
	c.mu.Lock()
	c.tunnel = tunnel
	c.mu.Unlock()
	url := c.srv.publicURL(name)
	if err := c.Send(proto.Connected{Type: proto.TypeConnected, TunnelID: id, URL: url}); err != nil {
		obs.Error("control.connected.send", obs.Fields{"err": err.Error(), "id": id})
		_ = c.Close()
		return
	}
	obs.Info("tunnel.registered", obs.Fields{"id": id, "name": name, "target_port": m.LocalPort, "remote": c.ws.RemoteAddr().String()})
}

// cleanup runs exactly once when the read loop exits: the tunnel leaves the
// registry, every pending correlation keyed to it fails, and every bridged
// socket and raw stream is closed. No orphaned timers, no leaked sockets.
func (c *controlConn) cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tunnel := c.tunnel
	bridges := c.bridges
	streams := c.streams
	c.bridges = make(map[string]*wsBridge)
	c.streams = make(map[string]net.Conn)
	c.mu.Unlock()

	c.srv.untrackConn(c)
	_ = c.ws.Close()
	for _, b := range bridges {
		b.closeSocket()
	}
	for _, conn := range streams {
		_ = conn.Close()
	}
	if tunnel != nil {
		c.srv.reg.Remove(tunnel.ID)
		failed := c.srv.pending.failAllForTunnel(tunnel.ID)
		obs.Info("tunnel.closed", obs.Fields{"id": tunnel.ID, "failed_pending": failed, "closed_bridges": len(bridges), "closed_streams": len(streams)})
	}
}

func (c *controlConn) addBridge(id string, b *wsBridge) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.bridges[id] = b
	return true
}

func (c *controlConn) getBridge(id string) *wsBridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridges[id]
}

// closeBridge tears down one bridged websocket. notifyClient sends
// websocket_close so the client can drop its local connection too.
func (c *controlConn) closeBridge(id string, notifyClient bool) {
	c.mu.Lock()
	b := c.bridges[id]
	delete(c.bridges, id)
	c.mu.Unlock()
	if b == nil {
		return
	}
	b.closeSocket()
	if notifyClient {
		_ = c.Send(proto.WSClose{Type: proto.TypeWSClose, UpgradeID: id})
	}
}

func (c *controlConn) addStream(id string, conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.streams[id] = conn
	return true
}

// closeStream drops one raw TCP stream. notifyClient sends tcp_close.
func (c *controlConn) closeStream(id string, notifyClient bool) {
	c.mu.Lock()
	conn := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Close()
	if notifyClient {
		_ = c.Send(proto.TCPClose{Type: proto.TypeTCPClose, ConnID: id})
	}
}
