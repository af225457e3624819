package relay

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/matst80/wsgate/internal/tunnelhdr"
	"github.com/matst80/wsgate/internal/wsframe"
)

// Transport selects how bytes on the client connection are carried after the
// upgrade.
type Transport string

const (
	// TransportFramed decodes masked client frames and frames everything sent back.
	TransportFramed Transport = "framed"
	// TransportRaw passes bytes through untouched, for fronting layers that
	// already terminate websocket framing.
	TransportRaw Transport = "raw"
)

const closeGrace = 250 * time.Millisecond

// Channel is the client side of a session: a producer of byte chunks that
// ends on close, plus a sink for bytes coming back from the destination.
type Channel struct {
	conn      net.Conn
	r         io.Reader
	w         io.Writer
	fr        *wsframe.Reader
	fw        *wsframe.Writer
	closeOnce sync.Once
}

// NewChannel wraps an upgraded connection. br must be the reader the upgrade
// request was parsed from so pipelined bytes are not lost; nil reads conn
// directly.
func NewChannel(conn net.Conn, br *bufio.Reader, t Transport) *Channel {
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	c := &Channel{conn: conn}
	if t == TransportRaw {
		c.r, c.w = src, conn
		return c
	}
	c.fr = wsframe.NewReader(src)
	c.fw = wsframe.NewWriter(conn, wsframe.Binary)
	c.r, c.w = c.fr, c.fw
	return c
}

// ReadHeader returns the bytes that carry the tunnel header: the first frame
// payload when framed, or at least tunnelhdr.MinLength raw bytes otherwise.
func (c *Channel) ReadHeader() ([]byte, error) {
	if c.fr != nil {
		m, err := c.fr.ReadMessage()
		if err != nil {
			return nil, err
		}
		return m.Payload, nil
	}
	buf := make([]byte, bufferSize)
	n, err := io.ReadAtLeast(c.r, buf, tunnelhdr.MinLength)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

func (c *Channel) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *Channel) Write(p []byte) (int, error) { return c.w.Write(p) }

// RemoteAddr is the client's address as seen by the gateway.
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close sends a close frame when framed and closes the connection. Pending
// writes are cut off after closeGrace so a stalled peer cannot block teardown.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.fw != nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeGrace))
			_ = c.fw.WriteClose()
		}
		err = c.conn.Close()
	})
	return err
}
