package server

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
)

// TCPForward maps a public listen address onto a named tunnel. Accepted
// connections become tcp_connect/tcp_data streams toward the tunnel's
// configured local target.
type TCPForward struct {
	Listen   string
	TunnelID string
}

// ParseForwards parses the -tcp-forward flag value: comma-separated
// "listenAddr=tunnelID" entries.
func ParseForwards(value string) ([]TCPForward, error) {
	if value == "" {
		return nil, nil
	}
	var out []TCPForward
	for _, entry := range strings.Split(value, ",") {
		addr, id, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || addr == "" || id == "" {
			return nil, fmt.Errorf("bad tcp forward entry %q (want listenAddr=tunnelID)", entry)
		}
		out = append(out, TCPForward{Listen: addr, TunnelID: id})
	}
	return out, nil
}

// ServeTCPForward accepts public connections on ln and relays them through
// the named tunnel. The listener is closed when ctx ends, which unblocks the
// accept loop and makes shutdown deterministic.
func (s *Server) ServeTCPForward(ctx context.Context, ln net.Listener, tunnelID string) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.tcp_forward.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		go s.handleForwardConn(conn, tunnelID)
	}
}

func (s *Server) handleForwardConn(conn net.Conn, tunnelID string) {
	tun := s.reg.Lookup(tunnelID)
	if tun == nil {
		obs.Error("tcp_forward.no_tunnel", obs.Fields{"tunnel": tunnelID})
		obs.ErrorsTotal.WithLabelValues("tcp_no_tunnel").Inc()
		_ = conn.Close()
		return
	}
	cc, ok := tun.Channel.(channelHost)
	if !ok {
		_ = conn.Close()
		return
	}
	connID := newCorrelationID()
	if !cc.addStream(connID, conn) {
		_ = conn.Close()
		return
	}
	open := proto.TCPConnect{
		Type:   proto.TypeTCPConnect,
		ConnID: connID,
		Host:   tun.LocalHost,
		Port:   tun.LocalPort,
	}
	if err := cc.Send(open); err != nil {
		cc.closeStream(connID, false)
		return
	}
	obs.TCPStreamsTotal.Inc()
	obs.Info("tcp_forward.open", obs.Fields{"id": connID, "tunnel": tunnelID, "remote": conn.RemoteAddr().String()})

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := cc.Send(proto.TCPData{Type: proto.TypeTCPData, ConnID: connID, Data: data}); serr != nil {
				cc.closeStream(connID, false)
				return
			}
		}
		if err != nil {
			cc.closeStream(connID, true)
			return
		}
	}
}
