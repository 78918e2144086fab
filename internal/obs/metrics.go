package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTunnels           = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_active_tunnels", Help: "Currently registered tunnels"})
	PendingCorrelations     = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_pending_correlations", Help: "In-flight requests and upgrades awaiting a client reply"})
	RequestsTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_requests_total", Help: "Public HTTP requests routed over tunnels"})
	RequestTimeoutTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_request_timeout_total", Help: "Routed requests that timed out waiting for the client"})
	UpgradesTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_ws_upgrades_total", Help: "Websocket upgrades bridged"})
	TCPStreamsTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_tcp_streams_total", Help: "Raw TCP streams opened over tunnels"})
	ErrorsTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_errors_total", Help: "Errors by type"}, []string{"type"})
	RequestDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "burrow_request_duration_seconds", Help: "Routed request round-trip seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	BridgedFrameBytesTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_bridged_frame_bytes_total", Help: "Websocket payload bytes relayed by direction"}, []string{"direction"})
)
