package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/matst80/burrow/internal/httpx"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
	"github.com/matst80/burrow/internal/wsframe"
)

// bridgeUpgrade forwards a websocket handshake over the control channel and,
// on success, splices the hijacked public socket with websocket_frame
// messages. Frames from the browser arrive masked and are re-framed unmasked
// on the way back, which is why this path owns a manual frame codec instead
// of a websocket library.
func (s *Server) bridgeUpgrade(w http.ResponseWriter, r *http.Request) {
	tun := s.resolveTunnel(r)
	if tun == nil {
		obs.ErrorsTotal.WithLabelValues("ws_no_tunnel").Inc()
		http.Error(w, "no tunnel for host", http.StatusNotFound)
		return
	}
	cc, ok := tun.Channel.(channelHost)
	if !ok {
		http.Error(w, "tunnel unavailable", http.StatusBadGateway)
		return
	}
	tun.IncRequests()
	obs.UpgradesTotal.Inc()

	upgradeID := newCorrelationID()
	entry := newPendingEntry(kindWSUpgrade, tun.ID)
	s.pending.add(upgradeID, entry)
	msg := proto.WSUpgrade{
		Type:      proto.TypeWSUpgrade,
		UpgradeID: upgradeID,
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Headers:   httpx.Flatten(r.Header),
	}
	if err := cc.Send(msg); err != nil {
		s.pending.pop(upgradeID)
		http.Error(w, "tunnel unavailable", http.StatusBadGateway)
		return
	}
	obs.Debug("bridge.handshake.forwarded", obs.Fields{"id": upgradeID, "tunnel": tun.ID, "url": msg.URL})

	timer := time.NewTimer(s.opts.UpgradeTimeout)
	defer timer.Stop()
	select {
	case res, ok := <-entry.result:
		if !ok {
			http.Error(w, "tunnel disconnected", http.StatusBadGateway)
			return
		}
		s.finishUpgrade(w, cc, upgradeID, res.(proto.WSUpgradeResponse))
	case <-timer.C:
		if s.pending.pop(upgradeID) == nil {
			if res, ok := <-entry.result; ok {
				s.finishUpgrade(w, cc, upgradeID, res.(proto.WSUpgradeResponse))
				return
			}
			http.Error(w, "tunnel disconnected", http.StatusBadGateway)
			return
		}
		obs.Error("bridge.handshake.timeout", obs.Fields{"id": upgradeID, "tunnel": tun.ID})
		obs.ErrorsTotal.WithLabelValues("upgrade_timeout").Inc()
		http.Error(w, "upgrade timeout", http.StatusBadRequest)
	case <-r.Context().Done():
		s.pending.pop(upgradeID)
	}
}

func (s *Server) finishUpgrade(w http.ResponseWriter, cc channelHost, upgradeID string, up proto.WSUpgradeResponse) {
	if !up.Success {
		obs.Error("bridge.handshake.refused", obs.Fields{"id": upgradeID, "err": up.Error})
		obs.ErrorsTotal.WithLabelValues("upgrade_refused").Inc()
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack unsupported", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		obs.Error("bridge.hijack", obs.Fields{"err": err.Error(), "id": upgradeID})
		return
	}
	resp := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: " + up.Accept + "\r\n"
	if up.Protocol != "" {
		resp += "Sec-WebSocket-Protocol: " + up.Protocol + "\r\n"
	}
	resp += "\r\n"
	if _, err := conn.Write([]byte(resp)); err != nil {
		_ = conn.Close()
		return
	}
	b := &wsBridge{upgradeID: upgradeID, conn: conn, cc: cc}
	if !cc.addBridge(upgradeID, b) {
		// Channel closed between handshake and splice.
		_ = conn.Close()
		return
	}
	obs.Info("bridge.established", obs.Fields{"id": upgradeID})
	go b.readLoop(brw.Reader)
}

// wsBridge is one spliced public websocket. Reads happen on its own
// goroutine; writes come from the control channel's dispatch loop.
type wsBridge struct {
	upgradeID string
	conn      net.Conn
	cc        channelHost

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (b *wsBridge) closeSocket() {
	b.closeOnce.Do(func() { _ = b.conn.Close() })
}

// writeClose sends a close frame to the browser before the socket drops, so a
// client-side close keeps its status code and reason.
func (b *wsBridge) writeClose(code int, reason string) {
	b.writeMu.Lock()
	_, _ = b.conn.Write(wsframe.BuildOpcode(wsframe.ClosePayload(code, reason), wsframe.OpClose))
	b.writeMu.Unlock()
}

// writeToBrowser re-frames a relayed payload unmasked and writes it to the
// public socket.
func (b *wsBridge) writeToBrowser(m proto.WSFrame) {
	framed := wsframe.Build(m.Data, m.Binary)
	b.writeMu.Lock()
	_, err := b.conn.Write(framed)
	b.writeMu.Unlock()
	if err != nil {
		b.cc.closeBridge(b.upgradeID, true)
		return
	}
	obs.BridgedFrameBytesTotal.WithLabelValues(proto.DirToBrowser).Add(float64(len(m.Data)))
}

// readLoop parses masked browser frames out of the raw byte stream and relays
// their payloads over the control channel. rd is the hijacked connection's
// buffered reader, which may already hold bytes.
func (b *wsBridge) readLoop(rd io.Reader) {
	var asm wsframe.Assembler
	buf := make([]byte, 32*1024)
	lastBinary := false
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			asm.Push(buf[:n])
			if !b.drainFrames(&asm, &lastBinary) {
				return
			}
		}
		if err != nil {
			b.cc.closeBridge(b.upgradeID, true)
			return
		}
	}
}

// drainFrames relays every complete frame currently buffered. Returns false
// when the bridge is done.
func (b *wsBridge) drainFrames(asm *wsframe.Assembler, lastBinary *bool) bool {
	for {
		f, err := asm.Next()
		if errors.Is(err, wsframe.ErrIncomplete) {
			return true
		}
		if err != nil {
			// Corrupt framing stalls this session only; the tunnel survives.
			obs.Error("bridge.frame.drop", obs.Fields{"err": err.Error(), "id": b.upgradeID, "buffered": asm.Buffered()})
			obs.ErrorsTotal.WithLabelValues("frame_parse").Inc()
			asm.Reset()
			return true
		}
		switch f.Opcode {
		case wsframe.OpClose:
			code, reason := wsframe.ParseClose(f.Payload)
			_ = b.cc.Send(proto.WSClose{Type: proto.TypeWSClose, UpgradeID: b.upgradeID, Code: code, Reason: reason})
			b.cc.closeBridge(b.upgradeID, false)
			return false
		case wsframe.OpPing:
			b.writeMu.Lock()
			_, _ = b.conn.Write(wsframe.BuildOpcode(f.Payload, wsframe.OpPong))
			b.writeMu.Unlock()
		case wsframe.OpPong:
			// Nothing to do.
		default:
			binary := *lastBinary
			if f.Opcode == wsframe.OpText {
				binary = false
			} else if f.Opcode == wsframe.OpBinary {
				binary = true
			}
			*lastBinary = binary
			frame := proto.WSFrame{
				Type:         proto.TypeWSFrame,
				UpgradeID:    b.upgradeID,
				Data:         f.Payload,
				Direction:    proto.DirToLocal,
				Binary:       binary,
				OriginalSize: len(f.Payload),
			}
			if err := b.cc.Send(frame); err != nil {
				b.cc.closeBridge(b.upgradeID, false)
				return false
			}
			obs.BridgedFrameBytesTotal.WithLabelValues(proto.DirToLocal).Add(float64(len(f.Payload)))
		}
	}
}
