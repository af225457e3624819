package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/matst80/wsgate/internal/obs"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		obs.Error("client.listen", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		os.Exit(1)
	}
	obs.Info("client.start", obs.Fields{"listen": ln.Addr().String(), "server": cfg.ServerURL, "target": cfg.Target})

	var wg sync.WaitGroup
	tunnelCtx, cancelTunnels := context.WithCancel(context.Background())
	defer cancelTunnels()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	acceptLocal(ctx, ln, func(c net.Conn) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := forward(tunnelCtx, cfg, c); err != nil {
				obs.Error("client.tunnel", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
			}
		}()
	})

	obs.Info("client.shutdown", obs.Fields{"grace": cfg.GracePeriod.String()})
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	if cfg.GracePeriod > 0 {
		select {
		case <-done:
		case <-time.After(cfg.GracePeriod):
		}
	}
	cancelTunnels()
	<-done
	obs.Info("client.shutdown.complete", obs.Fields{})
}

func acceptLocal(ctx context.Context, ln net.Listener, handle func(net.Conn)) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && ctx.Err() == nil {
				obs.Error("client.accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		handle(c)
	}
}
