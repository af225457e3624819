package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/wsgate/internal/gateway"
	"github.com/matst80/wsgate/internal/obs"
	"github.com/matst80/wsgate/internal/ratelimit"
	"github.com/matst80/wsgate/internal/relay"
	"github.com/matst80/wsgate/internal/state"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr, "path": cfg.Path, "transport": string(cfg.Transport), "max_sessions": cfg.MaxSessions})

	store, err := state.New(state.Options{RedisAddr: cfg.RedisAddr, RedisPassword: cfg.RedisPassword, RedisDB: cfg.RedisDB})
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	dialer, err := newDialer(cfg)
	if err != nil {
		obs.Error("dialer.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	var limiter *ratelimit.Limiter
	if cfg.Rate > 0 || cfg.GlobalRate > 0 {
		limiter = ratelimit.New(cfg.Rate, cfg.GlobalRate, cfg.Burst)
	}

	gw := gateway.New(gateway.Config{
		Path:             cfg.Path,
		Identity:         cfg.Identity,
		MaxSessions:      cfg.MaxSessions,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxHeaderSize:    cfg.MaxHeaderSize,
		Transport:        cfg.Transport,
		Dialer:           dialer,
		Limiter:          limiter,
		Store:            store,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		obs.Error("listen", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Serve(gctx, ln) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveOps(gctx, cfg.MetricsAddr, newOpsHandler(cfg, store, gw.Admission())) })
	}
	if limiter != nil {
		g.Go(func() error { limiter.Run(gctx, time.Minute, 10*time.Minute); return nil })
	}
	if r, ok := store.(*state.Redis); ok {
		defer r.Close()
		g.Go(func() error { r.StartMaintenance(gctx); return nil })
	}

	store.SetReady(true)
	obs.Info("server.ready", obs.Fields{})

	if err := g.Wait(); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// newDialer returns the destination dialer: direct, or through SOCKS5.
func newDialer(cfg Config) (relay.Dialer, error) {
	direct := &net.Dialer{KeepAlive: 30 * time.Second}
	if cfg.Socks5 == "" {
		return direct, nil
	}
	u, err := socks5URL(cfg.Socks5)
	if err != nil {
		return nil, err
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}
	obs.Info("dialer.socks5", obs.Fields{"proxy": u.Host})
	return cd, nil
}
