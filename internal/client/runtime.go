// Package client implements the tunnel client: one persistent control
// channel to the relay, reconnect with backoff, and the local dispatcher
// that replays routed traffic against the local service.
package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
)

// Reconnect state machine.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateBackoff
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

const (
	localHTTPTimeout = 25 * time.Second
	pingInterval     = 30 * time.Second
	dialTimeout      = 45 * time.Second
)

// Config is everything the runtime consumes; no env vars, no files.
type Config struct {
	ServerHost string
	ServerPort int
	LocalHost  string
	LocalPort  int
	Subdomain  string
	// MaxRetries caps reconnect attempts; 0 means retry forever.
	MaxRetries int
}

// Runtime owns the control channel and the transient local connections keyed
// by correlation id.
type Runtime struct {
	cfg        Config
	httpClient *http.Client

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu       sync.Mutex
	state    connState
	tcpConns map[string]net.Conn
	wsConns  map[string]*websocket.Conn
}

func New(cfg Config) *Runtime {
	if cfg.LocalHost == "" {
		cfg.LocalHost = "localhost"
	}
	return &Runtime{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: localHTTPTimeout},
		tcpConns:   make(map[string]net.Conn),
		wsConns:    make(map[string]*websocket.Conn),
	}
}

func (r *Runtime) setState(s connState) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	if prev != s {
		obs.Debug("client.state", obs.Fields{"from": prev.String(), "to": s.String()})
	}
}

// Run connects and keeps reconnecting with exponential backoff until ctx is
// done or the retry budget runs out.
func (r *Runtime) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: true}
	for {
		r.setState(stateConnecting)
		connected, err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}
		attempt := int(b.Attempt())
		if r.cfg.MaxRetries > 0 && attempt >= r.cfg.MaxRetries {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", attempt, err)
		}
		d := b.Duration()
		r.setState(stateBackoff)
		obs.Info("client.reconnect.wait", obs.Fields{"attempt": attempt + 1, "delay": d.String(), "err": errString(err)})
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// runOnce dials the control channel, registers, and services messages until
// the channel dies. Returns whether registration completed.
func (r *Runtime) runOnce(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("ws://%s:%d/control", r.cfg.ServerHost, r.cfg.ServerPort)
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial control channel: %w", err)
	}
	r.writeMu.Lock()
	r.ws = ws
	r.writeMu.Unlock()
	defer r.teardown(ws)

	cfgMsg := proto.Config{
		Type:      proto.TypeConfig,
		LocalHost: r.cfg.LocalHost,
		LocalPort: r.cfg.LocalPort,
		Subdomain: r.cfg.Subdomain,
	}
	if err := r.send(cfgMsg); err != nil {
		return false, fmt.Errorf("send config: %w", err)
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go r.pinger(ws, pingDone)

	connected := false
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return connected, err
		}
		msg, err := proto.Decode(raw)
		if err != nil {
			obs.Error("client.message.drop", obs.Fields{"err": err.Error()})
			continue
		}
		if c, ok := msg.(proto.Connected); ok {
			connected = true
			r.setState(stateConnected)
			obs.Info("client.connected", obs.Fields{"tunnel": c.TunnelID, "url": c.URL})
			continue
		}
		r.dispatch(msg)
	}
}

// pinger keeps NAT mappings warm; the server enforces a matching read
// deadline on its side.
func (r *Runtime) pinger(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// send writes one control message; gorilla conns require a single writer.
func (r *Runtime) send(msg any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.ws == nil {
		return fmt.Errorf("control channel closed")
	}
	_ = r.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.ws.WriteJSON(msg)
}

// teardown closes the channel and every local connection it spawned, so a
// relay disconnect never leaks local sockets.
func (r *Runtime) teardown(ws *websocket.Conn) {
	r.writeMu.Lock()
	if r.ws == ws {
		r.ws = nil
	}
	r.writeMu.Unlock()
	_ = ws.Close()

	r.mu.Lock()
	tcp := r.tcpConns
	local := r.wsConns
	r.tcpConns = make(map[string]net.Conn)
	r.wsConns = make(map[string]*websocket.Conn)
	r.mu.Unlock()
	for _, c := range tcp {
		_ = c.Close()
	}
	for _, c := range local {
		_ = c.Close()
	}
	if len(tcp)+len(local) > 0 {
		obs.Info("client.teardown", obs.Fields{"tcp": len(tcp), "websocket": len(local)})
	}
	r.setState(stateDisconnected)
}

func (r *Runtime) dispatch(msg any) {
	switch m := msg.(type) {
	case proto.Request:
		go r.handleRequest(m)
	case proto.TCPConnect:
		go r.handleTCPConnect(m)
	case proto.TCPData:
		r.mu.Lock()
		conn := r.tcpConns[m.ConnID]
		r.mu.Unlock()
		if conn != nil {
			if _, err := conn.Write(m.Data); err != nil {
				r.dropTCP(m.ConnID, err.Error())
			}
		}
	case proto.TCPClose:
		r.dropTCP(m.ConnID, "")
	case proto.WSUpgrade:
		go r.handleUpgrade(m)
	case proto.WSFrame:
		if m.Direction == proto.DirToLocal {
			r.forwardFrameToLocal(m)
		}
	case proto.WSClose:
		r.closeLocalWS(m)
	default:
		obs.Error("client.message.unexpected", obs.Fields{})
	}
}
