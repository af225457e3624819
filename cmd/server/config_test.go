package main

import (
	"errors"
	"flag"
	"io"
	"testing"

	"github.com/matst80/wsgate/internal/relay"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseConfigIdentityFromEnv(t *testing.T) {
	cfg, err := parseConfig(newFlagSet(), nil, env(map[string]string{"UUID": "11111111-1111-4111-8111-111111111111"}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.String() != "11111111-1111-4111-8111-111111111111" {
		t.Errorf("identity = %s", cfg.Identity)
	}
	if cfg.Transport != relay.TransportFramed || cfg.ListenAddr != ":8080" || cfg.Path != "" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestParseConfigFlagsOverrideEnv(t *testing.T) {
	args := []string{"-id", "22222222-2222-4222-8222-222222222222", "-path", "tunnel", "-transport", "raw", "-max-sessions", "3"}
	cfg, err := parseConfig(newFlagSet(), args, env(map[string]string{"UUID": "11111111-1111-4111-8111-111111111111"}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.String() != "22222222-2222-4222-8222-222222222222" {
		t.Errorf("identity = %s", cfg.Identity)
	}
	if cfg.Path != "/tunnel" || cfg.Transport != relay.TransportRaw || cfg.MaxSessions != 3 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestParseConfigErrors(t *testing.T) {
	if _, err := parseConfig(newFlagSet(), nil, env(nil)); !errors.Is(err, errMissingIdentity) {
		t.Errorf("expected missing identity, got %v", err)
	}
	if _, err := parseConfig(newFlagSet(), []string{"-id", "nope"}, env(nil)); err == nil {
		t.Error("expected invalid identity error")
	}
	args := []string{"-id", "11111111-1111-4111-8111-111111111111", "-transport", "quic"}
	if _, err := parseConfig(newFlagSet(), args, env(nil)); err == nil {
		t.Error("expected unknown transport error")
	}
}

func TestSocks5URL(t *testing.T) {
	u, err := socks5URL("127.0.0.1:1080")
	if err != nil || u.Scheme != "socks5" || u.Host != "127.0.0.1:1080" {
		t.Errorf("got %v, %v", u, err)
	}
	u, err = socks5URL("socks5://user:pw@proxy:1080")
	if err != nil || u.User.Username() != "user" {
		t.Errorf("got %v, %v", u, err)
	}
	if _, err := socks5URL("http://proxy:8080"); err == nil {
		t.Error("expected scheme error")
	}
	if _, err := socks5URL("proxy"); err == nil {
		t.Error("expected missing port error")
	}
}

func TestNewDialer(t *testing.T) {
	cfg := Config{}
	if d, err := newDialer(cfg); err != nil || d == nil {
		t.Fatalf("direct dialer: %v", err)
	}
	cfg.Socks5 = "127.0.0.1:1080"
	if d, err := newDialer(cfg); err != nil || d == nil {
		t.Fatalf("socks5 dialer: %v", err)
	}
}
