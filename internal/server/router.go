package server

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/matst80/burrow/internal/httpx"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
)

// routeRequest forwards one public HTTP request over the owning tunnel's
// control channel and writes back the correlated response, or 504 on timeout.
func (s *Server) routeRequest(w http.ResponseWriter, r *http.Request) {
	tun := s.resolveTunnel(r)
	if tun == nil {
		obs.ErrorsTotal.WithLabelValues("no_tunnel").Inc()
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":            "no tunnel for host",
			"host":             r.Host,
			"availableTunnels": s.reg.IDs(),
		})
		return
	}
	if !s.opts.Limiter.AllowRequest(tun.ID) {
		obs.ErrorsTotal.WithLabelValues("request_ratelimited").Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		return
	}
	tun.IncRequests()
	obs.RequestsTotal.Inc()

	var body []byte
	if httpx.BodyAllowed(r.Method) {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, s.opts.MaxBodyBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable request body"})
			return
		}
		if int64(len(body)) > s.opts.MaxBodyBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
			return
		}
	}
	headers := httpx.Flatten(r.Header)
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		httpx.AugmentXFF(headers, ip)
	}

	id := newCorrelationID()
	entry := newPendingEntry(kindHTTPRequest, tun.ID)
	s.pending.add(id, entry)
	msg := proto.Request{
		Type:    proto.TypeRequest,
		ID:      id,
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	}
	if err := tun.Channel.Send(msg); err != nil {
		s.pending.pop(id)
		obs.Error("route.send", obs.Fields{"err": err.Error(), "tunnel": tun.ID})
		obs.ErrorsTotal.WithLabelValues("send_failed").Inc()
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "tunnel unavailable"})
		return
	}
	obs.Debug("route.forwarded", obs.Fields{"id": id, "tunnel": tun.ID, "method": r.Method, "url": msg.URL})

	start := time.Now()
	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case res, ok := <-entry.result:
		if !ok {
			// Control channel closed mid-flight.
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "tunnel disconnected"})
			return
		}
		s.writeRoutedResponse(w, res.(proto.Response))
		obs.RequestDurationSeconds.Observe(time.Since(start).Seconds())
	case <-timer.C:
		if s.pending.pop(id) == nil {
			// Lost the race: a response arrived just in time, deliver it.
			if res, ok := <-entry.result; ok {
				s.writeRoutedResponse(w, res.(proto.Response))
				return
			}
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "tunnel disconnected"})
			return
		}
		obs.RequestTimeoutTotal.Inc()
		obs.ErrorsTotal.WithLabelValues("timeout").Inc()
		obs.Error("route.timeout", obs.Fields{"id": id, "tunnel": tun.ID})
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "tunnel response timeout"})
	case <-r.Context().Done():
		s.pending.pop(id)
	}
}

// skipResponseHeaders are never copied back onto the public response; the
// http server manages framing itself.
var skipResponseHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

func (s *Server) writeRoutedResponse(w http.ResponseWriter, res proto.Response) {
	for name, value := range res.Headers {
		lower := strings.ToLower(name)
		if skipResponseHeaders[lower] {
			continue
		}
		if lower == "set-cookie" && len(res.SetCookie) > 0 {
			continue
		}
		w.Header().Set(name, value)
	}
	for _, c := range res.SetCookie {
		w.Header().Add("Set-Cookie", c)
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(res.Body) > 0 {
		_, _ = w.Write(res.Body)
	}
}
