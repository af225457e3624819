// Package relay owns one client to destination pipe: it checks the tunnel
// identity, dials the destination, forwards the initial payload and then
// copies bytes both ways until either side ends.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/wsgate/internal/obs"
	"github.com/matst80/wsgate/internal/tunnelhdr"
	"github.com/matst80/wsgate/internal/wsframe"
)

const (
	bufferSize         = 32 * 1024
	DefaultDialTimeout = 10 * time.Second
)

var (
	ErrAuthRejected           = errors.New("relay: identity rejected")
	ErrDestinationUnreachable = errors.New("relay: destination unreachable")
	ErrProtocol               = errors.New("relay: protocol error")
	ErrClosed                 = errors.New("relay: session closed")
)

// Dialer opens destination connections. *net.Dialer and golang.org/x/net/proxy
// context dialers satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config is shared by every session of a gateway.
type Config struct {
	Identity    uuid.UUID
	DialTimeout time.Duration
	Dialer      Dialer
	// Release frees the admission slot held by the session; called once.
	Release func()
	// OnStateChange observes every accepted transition, outside any lock.
	OnStateChange func(s *Session, st State)
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	Target    string    `json:"target"`
	State     string    `json:"state"`
	Reason    Reason    `json:"reason,omitempty"`
	Started   time.Time `json:"started"`
	BytesUp   int64     `json:"bytes_up"`
	BytesDown int64     `json:"bytes_down"`
}

// Session is the handle to one relay. All exported methods are safe for
// concurrent use.
type Session struct {
	id      string
	cfg     Config
	client  *Channel
	started time.Time

	mu     sync.Mutex
	state  State
	reason Reason
	err    error
	dest   net.Conn
	target string

	bytesUp   atomic.Int64
	bytesDown atomic.Int64

	teardownOnce sync.Once
	closed       chan struct{}
}

// New creates a session in Handshaking. The caller must already hold the
// admission slot that cfg.Release frees.
func New(id string, client *Channel, cfg Config) *Session {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	obs.ActiveSessions.Inc()
	return &Session{
		id:      id,
		cfg:     cfg,
		client:  client,
		started: time.Now(),
		state:   Handshaking,
		closed:  make(chan struct{}),
	}
}

// Open connects an already decoded request and relays in the background.
// On failure the returned session is already Closed.
func Open(ctx context.Context, id string, client *Channel, req *tunnelhdr.Request, cfg Config) (*Session, error) {
	s := New(id, client, cfg)
	if err := s.connect(ctx, req); err != nil {
		return s, err
	}
	go s.pump()
	return s, nil
}

// Run reads and decodes the tunnel header from the client, connects and
// relays until the session is Closed. The returned error is nil when one of
// the peers simply hung up.
func (s *Session) Run(ctx context.Context) error {
	b, err := s.client.ReadHeader()
	if err != nil {
		s.fail(clientReadEvent(err), fmt.Errorf("read header: %w", err))
		return s.Err()
	}
	req, err := tunnelhdr.Decode(b)
	if err != nil {
		s.fail(EventProtocolError, fmt.Errorf("%w: %w", ErrProtocol, err))
		return s.Err()
	}
	if err := s.connect(ctx, req); err != nil {
		return err
	}
	s.pump()
	return s.Err()
}

func (s *Session) connect(ctx context.Context, req *tunnelhdr.Request) error {
	addr := req.Address()
	s.mu.Lock()
	s.target = addr
	s.mu.Unlock()

	if req.Identity != s.cfg.Identity {
		s.fail(EventAuthRejected, ErrAuthRejected)
		return ErrAuthRejected
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	start := time.Now()
	conn, err := s.cfg.Dialer.DialContext(dctx, "tcp", addr)
	cancel()
	obs.DialDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrDestinationUnreachable, addr, err)
		s.fail(EventDialFailed, err)
		return err
	}

	s.mu.Lock()
	if s.state != Handshaking {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.dest = conn
	s.mu.Unlock()

	// The destination must see the embedded payload before anything relayed.
	if len(req.Payload) > 0 {
		n, err := conn.Write(req.Payload)
		s.countUp(n)
		if err != nil {
			err = fmt.Errorf("%w: write initial payload: %w", ErrDestinationUnreachable, err)
			s.fail(EventDestinationError, err)
			return err
		}
	}
	if !s.fire(EventConnected, nil) {
		s.teardown()
		return ErrClosed
	}
	obs.Info("session.relaying", obs.Fields{"session": s.id, "remote": s.remote(), "target": addr, "initial_bytes": len(req.Payload)})
	return nil
}

// pump runs both directions and returns once both copy loops have exited.
func (s *Session) pump() {
	s.mu.Lock()
	dest := s.dest
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer s.recoverPanic()
		readErr, writeErr := s.forward(dest, s.client, s.countUp)
		switch {
		case writeErr != nil:
			s.fail(EventDestinationError, fmt.Errorf("%w: %w", ErrDestinationUnreachable, writeErr))
		case readErr != nil:
			s.fail(clientReadEvent(readErr), readErr)
		default:
			s.fail(EventClientEOF, nil)
		}
	}()
	go func() {
		defer wg.Done()
		defer s.recoverPanic()
		readErr, writeErr := s.forward(s.client, dest, s.countDown)
		switch {
		case writeErr != nil:
			s.fail(EventClientEOF, writeErr)
		case readErr != nil:
			s.fail(EventDestinationError, fmt.Errorf("%w: %w", ErrDestinationUnreachable, readErr))
		default:
			s.fail(EventDestinationEOF, nil)
		}
	}()
	wg.Wait()
}

// forward moves chunks from src to dst until src ends. A clean EOF yields two
// nil errors.
func (s *Session) forward(dst io.Writer, src io.Reader, count func(int)) (readErr, writeErr error) {
	buf := make([]byte, bufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			count(w)
			if werr != nil {
				return nil, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return err, nil
		}
	}
}

func (s *Session) recoverPanic() {
	if r := recover(); r != nil {
		obs.ErrorsTotal.WithLabelValues("panic").Inc()
		s.fail(EventProtocolError, fmt.Errorf("%w: panic: %v", ErrProtocol, r))
	}
}

// clientReadEvent maps a client read failure to an event: malformed frames
// are protocol errors, everything else is the client going away.
func clientReadEvent(err error) Event {
	for _, perr := range []error{
		wsframe.ErrFragmentationUnsupported,
		wsframe.ErrUnsupportedOpcode,
		wsframe.ErrUnmaskedFrame,
		wsframe.ErrPayloadTooLarge,
		wsframe.ErrShortFrame,
	} {
		if errors.Is(err, perr) {
			return EventProtocolError
		}
	}
	return EventClientEOF
}

// fire applies e. It reports whether the transition was accepted.
func (s *Session) fire(e Event, err error) bool {
	s.mu.Lock()
	next, ok := transition(s.state, e)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.state = next
	if next == Closing {
		s.reason = e.reason()
		if e == EventClientEOF || e == EventDestinationEOF {
			err = nil
		}
		if e == EventProtocolError && err != nil && !errors.Is(err, ErrProtocol) {
			err = fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		s.err = err
	}
	s.mu.Unlock()

	obs.Debug("session.state", obs.Fields{"session": s.id, "state": next.String()})
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(s, next)
	}
	return true
}

// fail moves the session to Closing, if it is not already past it, and tears it down.
func (s *Session) fail(e Event, err error) {
	s.fire(e, err)
	s.teardown()
}

// teardown closes both channels, frees the admission slot and enters Closed.
// Half-close is not preserved.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		if s.state != Closing {
			s.mu.Unlock()
			s.fire(EventShutdown, ErrClosed)
			s.mu.Lock()
		}
		dest := s.dest
		reason := s.reason
		err := s.err
		s.mu.Unlock()

		_ = s.client.Close()
		if dest != nil {
			_ = dest.Close()
		}
		if s.cfg.Release != nil {
			s.cfg.Release()
		}
		obs.ActiveSessions.Dec()
		s.fire(EventTornDown, nil)

		dur := time.Since(s.started)
		obs.SessionsTotal.WithLabelValues(string(reason)).Inc()
		obs.SessionDurationSeconds.Observe(dur.Seconds())
		f := obs.Fields{
			"session":    s.id,
			"reason":     string(reason),
			"bytes_up":   s.bytesUp.Load(),
			"bytes_down": s.bytesDown.Load(),
			"duration":   dur.String(),
		}
		switch reason {
		case ReasonProtocolError, ReasonDestinationUnreachable, ReasonAuthRejected:
			obs.ErrorsTotal.WithLabelValues(string(reason)).Inc()
			if err != nil {
				f["err"] = err.Error()
			}
			obs.Error("session.closed", f)
		default:
			obs.Info("session.closed", f)
		}
		close(s.closed)
	})
}

func (s *Session) countUp(n int) {
	if n > 0 {
		s.bytesUp.Add(int64(n))
		obs.RelayBytesTotal.WithLabelValues("up").Add(float64(n))
	}
}

func (s *Session) countDown(n int) {
	if n > 0 {
		s.bytesDown.Add(int64(n))
		obs.RelayBytesTotal.WithLabelValues("down").Add(float64(n))
	}
}

func (s *Session) remote() string {
	if a := s.client.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Close shuts the session down from outside (server shutdown).
func (s *Session) Close() {
	s.fail(EventShutdown, ErrClosed)
}

// Wait blocks until the session is Closed.
func (s *Session) Wait() { <-s.closed }

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason is ReasonNone until the session starts closing.
func (s *Session) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err is the error that caused the session to close; nil for ordinary hang-ups.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ID:      s.id,
		Target:  s.target,
		State:   s.state.String(),
		Reason:  s.reason,
		Started: s.started,
	}
	s.mu.Unlock()
	st.Remote = s.remote()
	st.BytesUp = s.bytesUp.Load()
	st.BytesDown = s.bytesDown.Load()
	return st
}
