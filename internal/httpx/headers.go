// Package httpx holds the header plumbing shared by the relay server and the
// tunnel client: flattening parsed headers onto the wire protocol, stripping
// the hop-unsafe set before local dispatch, and the RFC 6455 accept key.
package httpx

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"
)

// websocketGUID is the fixed RFC 6455 value appended to Sec-WebSocket-Key
// before hashing.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// hopUnsafe are headers that must not be replayed against the local target;
// the local HTTP client computes its own.
var hopUnsafe = map[string]bool{
	"host":           true,
	"connection":     true,
	"content-length": true,
}

// Flatten converts parsed request headers to the single-valued map carried in
// control messages. Repeated fields are joined per RFC 9110 list syntax.
func Flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// StripHopUnsafe returns headers minus the hop-by-hop set, for local dispatch.
func StripHopUnsafe(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for name, value := range h {
		if hopUnsafe[strings.ToLower(name)] {
			continue
		}
		out[name] = value
	}
	return out
}

// WebsocketSafe filters forwarded upgrade headers down to the subset that can
// be replayed on a local websocket handshake. The websocket dialer owns the
// rest (Connection, Upgrade, version, key).
func WebsocketSafe(h map[string]string) http.Header {
	out := http.Header{}
	for name, value := range h {
		lower := strings.ToLower(name)
		if lower == "origin" || lower == "user-agent" {
			out.Set(name, value)
		}
	}
	return out
}

// WebSocketProtocols extracts the requested subprotocols from forwarded
// upgrade headers, split per RFC 9110 list syntax. The local dialer offers
// them itself, which is why they stay out of WebsocketSafe.
func WebSocketProtocols(h map[string]string) []string {
	for name, value := range h {
		if !strings.EqualFold(name, "Sec-Websocket-Protocol") {
			continue
		}
		var out []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// SecWebSocketKey extracts the client's handshake key from forwarded headers.
func SecWebSocketKey(h map[string]string) string {
	for name, value := range h {
		if strings.EqualFold(name, "Sec-Websocket-Key") {
			return value
		}
	}
	return ""
}

// AcceptKey computes the Sec-WebSocket-Accept value for a handshake key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// AugmentXFF appends clientIP to an existing X-Forwarded-For value or sets it.
func AugmentXFF(h map[string]string, clientIP string) {
	if clientIP == "" {
		return
	}
	for name, value := range h {
		if strings.EqualFold(name, "X-Forwarded-For") {
			h[name] = value + ", " + clientIP
			return
		}
	}
	h["X-Forwarded-For"] = clientIP
}

// BodyAllowed reports whether a request method semantically carries a body.
// Bodies on other methods are not forwarded.
func BodyAllowed(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
