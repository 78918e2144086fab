package main

import (
	"flag"
	"time"
)

// Config holds all runtime configuration derived from flags (future: env vars / file).
type Config struct {
	ControlAddr    string
	PublicAddr     string
	MetricsAddr    string
	Domain         string
	Scheme         string
	FallbackFirst  bool
	RequestTimeout time.Duration
	UpgradeTimeout time.Duration
	MaxBodyBytes   int64
	TCPForwards    string
	Debug          bool
	// Redis mirror for fleet-wide dashboards
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Rate limiting (0 disables)
	GlobalReqRate int
	TunnelReqRate int
	RegisterRate  int
	RateBurst     int
}

var cfg Config

// init registers flags into the global flag set. main() simply uses cfg.
func init() {
	flag.StringVar(&cfg.ControlAddr, "control", ":9000", "address for client control connections")
	flag.StringVar(&cfg.PublicAddr, "public", ":8080", "public listener address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and ops dashboard listen address")
	flag.StringVar(&cfg.Domain, "domain", "", "base wildcard domain (e.g. example.com) advertised in tunnel URLs")
	flag.StringVar(&cfg.Scheme, "scheme", "http", "scheme advertised in tunnel URLs (the edge proxy may terminate TLS)")
	flag.BoolVar(&cfg.FallbackFirst, "fallback-first", false, "route unmatched hosts to the oldest open tunnel")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", 30*time.Second, "time limit for a routed HTTP request (504 on expiry)")
	flag.DurationVar(&cfg.UpgradeTimeout, "upgrade-timeout", 10*time.Second, "time limit for a websocket upgrade handshake (400 on expiry)")
	flag.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", 10<<20, "maximum forwarded request body size")
	flag.StringVar(&cfg.TCPForwards, "tcp-forward", "", "comma-separated listenAddr=tunnelID raw TCP forwards")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for the fleet tunnel mirror (empty disables)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.IntVar(&cfg.GlobalReqRate, "rate-global", 0, "global routed requests per second (0 disables)")
	flag.IntVar(&cfg.TunnelReqRate, "rate-tunnel", 0, "per-tunnel routed requests per second (0 disables)")
	flag.IntVar(&cfg.RegisterRate, "rate-register", 0, "tunnel registrations per second (0 disables)")
	flag.IntVar(&cfg.RateBurst, "rate-burst", 10, "token bucket burst capacity")
	flag.Parse()
}
