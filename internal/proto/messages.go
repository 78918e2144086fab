package proto

import (
	"encoding/json"
	"fmt"
)

// Message type tags carried in the "type" field of every control message.
const (
	TypeConfig            = "config"
	TypeConnected         = "connected"
	TypeRequest           = "request"
	TypeResponse          = "response"
	TypeTCPConnect        = "tcp_connect"
	TypeTCPData           = "tcp_data"
	TypeTCPClose          = "tcp_close"
	TypeWSUpgrade         = "websocket_upgrade"
	TypeWSUpgradeResponse = "websocket_upgrade_response"
	TypeWSFrame           = "websocket_frame"
	TypeWSClose           = "websocket_close"
)

// Frame relay directions for WSFrame.
const (
	DirToLocal   = "to_local"
	DirToBrowser = "to_browser"
)

// Config is sent by the client as the first message on a control channel to
// register its routing target.
type Config struct {
	Type      string `json:"type"`
	LocalHost string `json:"localHost"`
	LocalPort int    `json:"localPort"`
	Subdomain string `json:"suggestedSubdomain,omitempty"`
}

// Connected acknowledges registration, server -> client.
type Connected struct {
	Type     string `json:"type"`
	TunnelID string `json:"tunnelId"`
	URL      string `json:"subdomainUrl"`
}

// Request forwards one public HTTP request, server -> client.
type Request struct {
	Type    string            `json:"type"`
	ID      string            `json:"requestId"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body,omitempty"`
}

// Response delivers the matching HTTP response, client -> server.
// Set-Cookie travels in SetCookie rather than Headers: the flattened map
// cannot represent repeated fields, and cookie Expires attributes contain
// the comma the join would split on.
type Response struct {
	Type       string            `json:"type"`
	ID         string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	SetCookie  []string          `json:"setCookie,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// TCPConnect opens a raw byte stream toward the client's target, server -> client.
// Data optionally carries first bytes already read from the public socket.
type TCPConnect struct {
	Type   string `json:"type"`
	ConnID string `json:"connectionId"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Data   []byte `json:"data,omitempty"`
}

// TCPData streams bytes for an open stream, either direction.
type TCPData struct {
	Type   string `json:"type"`
	ConnID string `json:"connectionId"`
	Data   []byte `json:"data"`
}

// TCPClose tears a stream down, either direction.
type TCPClose struct {
	Type   string `json:"type"`
	ConnID string `json:"connectionId"`
	Error  string `json:"error,omitempty"`
}

// WSUpgrade forwards a websocket upgrade handshake, server -> client.
type WSUpgrade struct {
	Type      string            `json:"type"`
	UpgradeID string            `json:"upgradeId"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
}

// WSUpgradeResponse reports the local handshake result, client -> server.
// Accept carries the computed Sec-WebSocket-Accept value on success;
// Protocol carries the subprotocol the local service selected, if any.
type WSUpgradeResponse struct {
	Type      string `json:"type"`
	UpgradeID string `json:"upgradeId"`
	Success   bool   `json:"success"`
	Accept    string `json:"webSocketAccept,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WSFrame relays one websocket frame payload across the bridge, either direction.
type WSFrame struct {
	Type         string `json:"type"`
	UpgradeID    string `json:"upgradeId"`
	Data         []byte `json:"data"`
	Direction    string `json:"direction"`
	Binary       bool   `json:"binary,omitempty"`
	OriginalSize int    `json:"originalSize"`
}

// WSClose closes a bridged websocket, either direction. Code and Reason
// relay the originating close frame's payload; zero Code means the socket
// dropped without one.
type WSClose struct {
	Type      string `json:"type"`
	UpgradeID string `json:"upgradeId"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one control message into its concrete type. Unknown or
// malformed messages return an error; callers log and drop, never crash.
func Decode(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("control message not json: %w", err)
	}
	var msg any
	var err error
	switch env.Type {
	case TypeConfig:
		var m Config
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeConnected:
		var m Connected
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeRequest:
		var m Request
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeResponse:
		var m Response
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeTCPConnect:
		var m TCPConnect
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeTCPData:
		var m TCPData
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeTCPClose:
		var m TCPClose
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeWSUpgrade:
		var m WSUpgrade
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeWSUpgradeResponse:
		var m WSUpgradeResponse
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeWSFrame:
		var m WSFrame
		err = json.Unmarshal(raw, &m)
		msg = m
	case TypeWSClose:
		var m WSClose
		err = json.Unmarshal(raw, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown control message type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}
