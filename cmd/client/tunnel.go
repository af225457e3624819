package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsgate/internal/obs"
	"golang.org/x/sync/errgroup"
)

const (
	chunkSize    = 32 * 1024
	initialWait  = 50 * time.Millisecond
	closeTimeout = time.Second
)

// forward carries one local connection through a fresh websocket to the
// gateway. Bytes the local peer sends right away ride along in the tunnel
// header so the destination sees them first.
func forward(ctx context.Context, cfg Config, local net.Conn) error {
	defer local.Close()

	d := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, ReadBufferSize: chunkSize, WriteBufferSize: chunkSize}
	ws, resp, err := d.DialContext(ctx, cfg.ServerURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer ws.Close()

	initial, err := readInitial(local)
	if err != nil {
		return err
	}
	hdr, err := cfg.header(initial)
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, hdr); err != nil {
		return fmt.Errorf("send tunnel header: %w", err)
	}
	obs.Debug("client.tunnel.open", obs.Fields{"remote": local.RemoteAddr().String(), "target": cfg.Target, "initial_bytes": len(initial)})

	stop := context.AfterFunc(ctx, func() {
		_ = local.Close()
		_ = ws.Close()
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer local.Close()
		for {
			_, p, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					return nil
				}
				return err
			}
			if _, err := local.Write(p); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		defer func() {
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeTimeout))
			_ = ws.Close()
		}()
		buf := make([]byte, chunkSize)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})
	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// readInitial collects what the local peer sends before initialWait passes.
func readInitial(c net.Conn) ([]byte, error) {
	_ = c.SetReadDeadline(time.Now().Add(initialWait))
	defer c.SetReadDeadline(time.Time{})
	buf := make([]byte, chunkSize)
	n, err := c.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read local: %w", err)
		}
	}
	return buf[:n], nil
}
