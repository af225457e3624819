package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matst80/wsgate/internal/ratelimit"
	"github.com/matst80/wsgate/internal/relay"
	"github.com/matst80/wsgate/internal/state"
	"github.com/matst80/wsgate/internal/tunnelhdr"
	"github.com/matst80/wsgate/internal/wsframe"
)

var testID = uuid.MustParse("11111111-1111-4111-8111-111111111111")

type countingDialer struct {
	calls atomic.Int32
	d     net.Dialer
}

func (c *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	c.calls.Add(1)
	return c.d.DialContext(ctx, network, addr)
}

func startEcho(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

type harness struct {
	srv    *Server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startGateway(t *testing.T, cfg Config) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity == uuid.Nil {
		cfg.Identity = testID
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{srv: srv, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) url() string { return "ws://" + h.addr + "/ws" }

func tunnelHeader(t *testing.T, id uuid.UUID, addr *net.TCPAddr, payload string) []byte {
	t.Helper()
	b, err := tunnelhdr.Encode(&tunnelhdr.Request{Identity: id, Host: addr.IP.String(), Port: uint16(addr.Port), Payload: []byte(payload)})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// readBytes collects binary messages until n bytes arrived.
func readBytes(t *testing.T, ws *websocket.Conn, n int) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got []byte
	for len(got) < n {
		kind, p, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read after %q: %v", got, err)
		}
		if kind != websocket.BinaryMessage {
			t.Fatalf("unexpected message type %d", kind)
		}
		got = append(got, p...)
	}
	return string(got)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGorillaClientRoundTrip(t *testing.T) {
	echo := startEcho(t)
	store := state.NewMemory()
	h := startGateway(t, Config{Store: store})

	ws, _, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.BinaryMessage, tunnelHeader(t, testID, echo, "hello")); err != nil {
		t.Fatal(err)
	}
	if got := readBytes(t, ws, 5); got != "hello" {
		t.Fatalf("echo = %q", got)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("again")); err != nil {
		t.Fatal(err)
	}
	if got := readBytes(t, ws, 5); got != "again" {
		t.Fatalf("echo = %q", got)
	}

	sessions := h.srv.Sessions()
	if len(sessions) != 1 || sessions[0].State != "relaying" || sessions[0].Target != echo.String() {
		t.Fatalf("sessions %+v", sessions)
	}
	recs, _ := store.List(context.Background())
	if len(recs) != 1 || recs[0].State != "relaying" {
		t.Errorf("store records %+v", recs)
	}

	_ = ws.Close()
	waitFor(t, "admission release", func() bool { return h.srv.Admission().Active() == 0 })
	waitFor(t, "store removal", func() bool { return store.Stats().Sessions == 0 })
	if st := store.Stats(); st.TotalSessions != 1 {
		t.Errorf("stats %+v", st)
	}
}

func TestPipelinedFirstFrame(t *testing.T) {
	echo := startEcho(t)
	h := startGateway(t, Config{})

	c, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	frame, err := wsframe.EncodeMasked(wsframe.Message{Kind: wsframe.Binary, Payload: tunnelHeader(t, testID, echo, "ping")}, [4]byte{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	var req bytes.Buffer
	req.WriteString("GET /ws HTTP/1.1\r\nHost: gw\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n")
	req.Write(frame)
	if _, err := c.Write(req.Bytes()); err != nil {
		t.Fatal(err)
	}

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols || resp.Header.Get("Sec-WebSocket-Accept") != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, resp.Header)
	}
	got := make([]byte, 6)
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x82, 0x04, 'p', 'i', 'n', 'g'}) {
		t.Errorf("frame % x", got)
	}
}

func TestAdmissionCeiling(t *testing.T) {
	h := startGateway(t, Config{MaxSessions: 1})

	first, _, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v %v", resp, err)
	}
	if h.srv.Admission().Active() != 1 {
		t.Errorf("active = %d", h.srv.Admission().Active())
	}

	_ = first.Close()
	waitFor(t, "slot release", func() bool { return h.srv.Admission().Active() == 0 })
	second, _, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if err != nil {
		t.Fatalf("dial after release: %v", err)
	}
	second.Close()
	if h.srv.Store().Stats().Rejected != 1 {
		t.Errorf("rejected = %d", h.srv.Store().Stats().Rejected)
	}
}

func TestRejections(t *testing.T) {
	h := startGateway(t, Config{MaxHeaderSize: 512})

	cases := []struct {
		name string
		req  string
		want int
	}{
		{"missing key", "GET /ws HTTP/1.1\r\nHost: gw\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n", 400},
		{"not upgrade", "GET /ws HTTP/1.1\r\nHost: gw\r\nSec-WebSocket-Key: abc\r\n\r\n", 400},
		{"wrong path", "GET /other HTTP/1.1\r\nHost: gw\r\nUpgrade: websocket\r\nSec-WebSocket-Key: abc\r\n\r\n", 404},
		{"header too large", "GET /ws HTTP/1.1\r\nX-Pad: " + string(bytes.Repeat([]byte("a"), 1024)) + "\r\n\r\n", 431},
	}
	for _, c := range cases {
		conn, err := net.Dial("tcp", h.addr)
		if err != nil {
			t.Fatal(err)
		}
		_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
		if _, err := conn.Write([]byte(c.req)); err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if resp.StatusCode != c.want {
			t.Errorf("%s: status %d, want %d", c.name, resp.StatusCode, c.want)
		}
		conn.Close()
	}
	if h.srv.Admission().Active() != 0 {
		t.Errorf("slots leaked: %d", h.srv.Admission().Active())
	}
}

func TestRateLimited(t *testing.T) {
	h := startGateway(t, Config{Limiter: ratelimit.New(0.01, 0, 1)})

	ws, _, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ws.Close()
	_, resp, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v %v", resp, err)
	}
}

func TestIdentityMismatchNeverDials(t *testing.T) {
	echo := startEcho(t)
	dialer := &countingDialer{}
	h := startGateway(t, Config{Dialer: dialer})

	ws, _, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	other := uuid.MustParse("22222222-2222-4222-8222-222222222222")
	if err := ws.WriteMessage(websocket.BinaryMessage, tunnelHeader(t, other, echo, "x")); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected the gateway to close the connection")
	}
	if dialer.calls.Load() != 0 {
		t.Errorf("dialed %d times", dialer.calls.Load())
	}
	waitFor(t, "slot release", func() bool { return h.srv.Admission().Active() == 0 })
}

func TestShutdownClosesSessions(t *testing.T) {
	echo := startEcho(t)
	h := startGateway(t, Config{Transport: relay.TransportFramed})

	ws, _, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.BinaryMessage, tunnelHeader(t, testID, echo, "hi")); err != nil {
		t.Fatal(err)
	}
	readBytes(t, ws, 2)

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return")
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Errorf("expected close frame, got %v", err)
	}
	if h.srv.Admission().Active() != 0 || !h.srv.Store().IsClosing() {
		t.Error("server not shut down")
	}
}
