package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/ratelimit"
	"github.com/matst80/burrow/internal/registry"
	"github.com/matst80/burrow/internal/server"
)

func main() {
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"control": cfg.ControlAddr, "public": cfg.PublicAddr, "metrics": cfg.MetricsAddr, "domain": cfg.Domain})

	forwards, err := server.ParseForwards(cfg.TCPForwards)
	if err != nil {
		obs.Error("config.tcp_forward", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	var limiter *ratelimit.Limiter
	if cfg.GlobalReqRate > 0 || cfg.TunnelReqRate > 0 || cfg.RegisterRate > 0 {
		limiter = ratelimit.NewLimiter(cfg.GlobalReqRate, cfg.TunnelReqRate, cfg.RegisterRate, cfg.RateBurst)
	}

	reg := registry.New()
	s := server.New(reg, server.Options{
		Domain:         cfg.Domain,
		Scheme:         cfg.Scheme,
		FallbackFirst:  cfg.FallbackFirst,
		RequestTimeout: cfg.RequestTimeout,
		UpgradeTimeout: cfg.UpgradeTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Limiter:        limiter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RedisAddr != "" {
		mirror, err := registry.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			obs.Error("redis.connect", obs.Fields{"err": err.Error(), "addr": cfg.RedisAddr})
			os.Exit(1)
		}
		reg.SetMirror(mirror)
		s.SetMirror(mirror)
		go mirror.Heartbeat(ctx, reg, 30*time.Second)
		obs.Info("redis.mirror.enabled", obs.Fields{"addr": cfg.RedisAddr})
	}

	controlMux := http.NewServeMux()
	controlMux.Handle("/control", s.ControlHandler())
	controlSrv := &http.Server{Addr: cfg.ControlAddr, Handler: controlMux}
	publicSrv := &http.Server{Addr: cfg.PublicAddr, Handler: s.PublicHandler()}
	opsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: s.OpsHandler()}

	serve := func(name string, srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("listen."+name, obs.Fields{"err": err.Error(), "addr": srv.Addr})
			stop()
		}
	}
	go serve("control", controlSrv)
	go serve("public", publicSrv)
	go serve("metrics", opsSrv)

	for _, fw := range forwards {
		ln, err := net.Listen("tcp", fw.Listen)
		if err != nil {
			obs.Error("listen.tcp_forward", obs.Fields{"err": err.Error(), "addr": fw.Listen})
			os.Exit(1)
		}
		defer ln.Close()
		obs.Info("tcp_forward.listen", obs.Fields{"addr": fw.Listen, "tunnel": fw.TunnelID})
		go s.ServeTCPForward(ctx, ln, fw.TunnelID)
	}

	if limiter != nil {
		go runLimiterCleanup(ctx, limiter, reg)
	}

	s.SetReady(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	s.SetReady(false)
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = publicSrv.Shutdown(shutdownCtx)
	_ = controlSrv.Shutdown(shutdownCtx)
	_ = opsSrv.Shutdown(shutdownCtx)
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// runLimiterCleanup drops per-tunnel buckets for tunnels that went away.
func runLimiterCleanup(ctx context.Context, l *ratelimit.Limiter, reg *registry.Registry) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			active := make(map[string]bool)
			for _, id := range reg.IDs() {
				active[id] = true
			}
			l.Cleanup(active)
		}
	}
}
