package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/wsgate/internal/tunnelhdr"
)

// Config holds client runtime configuration.
type Config struct {
	ServerURL   string
	Identity    uuid.UUID
	ListenAddr  string
	Target      string
	TargetHost  string
	TargetPort  uint16
	DialTimeout time.Duration
	GracePeriod time.Duration
	Debug       bool
}

func parseConfig(fs *flag.FlagSet, args []string, getenv func(string) string) (Config, error) {
	var cfg Config
	var id string
	fs.StringVar(&cfg.ServerURL, "server", "ws://127.0.0.1:8080/", "gateway websocket URL")
	fs.StringVar(&id, "id", getenv("UUID"), "tunnel identity (env UUID)")
	fs.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:1080", "local address to accept connections on")
	fs.StringVar(&cfg.Target, "target", "", "destination host:port the gateway should connect to")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", 10*time.Second, "gateway connect timeout")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", 0, "time to wait for active tunnels to drain after shutdown signal (0 = immediate)")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if id == "" {
		return cfg, errors.New("an identity is required: pass -id or set UUID")
	}
	parsed, err := tunnelhdr.ParseIdentity(id)
	if err != nil {
		return cfg, fmt.Errorf("invalid identity %q: %w", id, err)
	}
	cfg.Identity = parsed

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return cfg, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return cfg, fmt.Errorf("server url: scheme must be ws or wss, got %q", u.Scheme)
	}

	host, port, err := net.SplitHostPort(cfg.Target)
	if err != nil {
		return cfg, fmt.Errorf("target: %w", err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return cfg, fmt.Errorf("target port %q: %w", port, err)
	}
	cfg.TargetHost, cfg.TargetPort = host, uint16(p)
	return cfg, nil
}

// header returns the tunnel header for one connection.
func (c Config) header(initial []byte) ([]byte, error) {
	return tunnelhdr.Encode(&tunnelhdr.Request{
		Identity: c.Identity,
		Host:     c.TargetHost,
		Port:     c.TargetPort,
		Payload:  initial,
	})
}
