package main

import "flag"

// Config holds client runtime configuration.
type Config struct {
	ServerHost string
	ServerPort int
	LocalHost  string
	LocalPort  int
	Subdomain  string
	MaxRetries int
	Debug      bool
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.ServerHost, "server-host", "127.0.0.1", "relay server host")
	flag.IntVar(&cfg.ServerPort, "server-port", 9000, "relay server control port")
	flag.StringVar(&cfg.LocalHost, "local-host", "localhost", "local service host")
	flag.IntVar(&cfg.LocalPort, "local-port", 3000, "local service port to expose")
	flag.StringVar(&cfg.Subdomain, "subdomain", "", "suggested subdomain alias (sanitized server-side)")
	flag.IntVar(&cfg.MaxRetries, "max-retries", 0, "reconnect attempts before giving up (0 = forever)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.Parse()
}
