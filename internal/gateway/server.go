// Package gateway accepts websocket upgrades and hands each upgraded
// connection to a relay session.
package gateway

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/wsgate/internal/admission"
	"github.com/matst80/wsgate/internal/handshake"
	"github.com/matst80/wsgate/internal/httpx"
	"github.com/matst80/wsgate/internal/obs"
	"github.com/matst80/wsgate/internal/ratelimit"
	"github.com/matst80/wsgate/internal/relay"
	"github.com/matst80/wsgate/internal/state"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxHeaderSize    = 16 * 1024
	storeTimeout            = 2 * time.Second
)

// Config is everything a Server needs; nothing is read from globals.
type Config struct {
	// Path the upgrade request must target; empty accepts any path.
	Path     string
	Identity uuid.UUID
	// MaxSessions caps concurrent sessions; <= 0 means unlimited.
	MaxSessions      int
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxHeaderSize    int
	Transport        relay.Transport
	Dialer           relay.Dialer
	// Limiter may be nil.
	Limiter *ratelimit.Limiter
	// Store may be nil, in which case an in-memory store is used.
	Store state.Store
}

type Server struct {
	cfg Config
	adm *admission.Controller

	mu       sync.Mutex
	sessions map[string]*relay.Session
	closing  atomic.Bool
	conns    sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxHeaderSize <= 0 {
		cfg.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if cfg.Transport == "" {
		cfg.Transport = relay.TransportFramed
	}
	if cfg.Store == nil {
		cfg.Store = state.NewMemory()
	}
	return &Server{
		cfg:      cfg,
		adm:      admission.New(cfg.MaxSessions),
		sessions: make(map[string]*relay.Session),
	}
}

func (s *Server) Admission() *admission.Controller { return s.adm }
func (s *Server) Store() state.Store              { return s.cfg.Store }

// Serve accepts connections on ln until ctx is cancelled or ln fails, then
// closes every live session and waits for the handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	obs.Info("gateway.listen", obs.Fields{"addr": ln.Addr().String(), "path": s.cfg.Path, "transport": string(s.cfg.Transport), "max_sessions": s.cfg.MaxSessions})

	var err error
	for {
		var c net.Conn
		c, err = ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("gateway.accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			break
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, c)
		}()
	}
	s.Shutdown()
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown stops admitting sessions, closes the live ones with reason
// shutdown and waits for their handlers.
func (s *Server) Shutdown() {
	if !s.closing.Swap(true) {
		s.cfg.Store.SetClosing(true)
		s.mu.Lock()
		live := make([]*relay.Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			live = append(live, sess)
		}
		s.mu.Unlock()
		obs.Info("gateway.shutdown", obs.Fields{"sessions": len(live)})
		for _, sess := range live {
			sess.Close()
		}
	}
	s.conns.Wait()
}

// Sessions returns a snapshot of the sessions owned by this server.
func (s *Server) Sessions() []relay.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]relay.Stats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Stats())
	}
	return out
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	remote := c.RemoteAddr().String()
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	br := bufio.NewReader(c)
	req, _, err := httpx.ParseRequest(br, s.cfg.MaxHeaderSize)
	if err != nil {
		if errors.Is(err, httpx.ErrHeaderTooLarge) {
			reject(c, 431, "header_too_large", remote)
			return
		}
		obs.Debug("gateway.read_request", obs.Fields{"err": err.Error(), "remote": remote})
		obs.ErrorsTotal.WithLabelValues("read_request").Inc()
		_ = c.Close()
		return
	}
	if s.cfg.Path != "" && req.Path() != s.cfg.Path {
		reject(c, 404, "path", remote)
		return
	}
	if !s.cfg.Limiter.Allow(httpx.RemoteIPFromConn(c)) {
		obs.RateLimitedTotal.Inc()
		reject(c, 429, "rate_limited", remote)
		return
	}
	if s.closing.Load() || !s.adm.TryAcquire() {
		obs.AdmissionRejectedTotal.Inc()
		obs.Debug("gateway.admission", obs.Fields{"err": admission.ErrRejected.Error(), "active": s.adm.Active(), "ceiling": s.adm.Ceiling()})
		s.cfg.Store.IncrementRejected()
		reject(c, 503, "admission", remote)
		return
	}
	resp, err := handshake.Negotiate(req)
	if err != nil {
		s.adm.Release()
		obs.ErrorsTotal.WithLabelValues("handshake").Inc()
		obs.Error("gateway.reject", obs.Fields{"status": 400, "reason": "handshake", "err": err.Error(), "remote": remote})
		_, _ = c.Write([]byte(handshake.BadRequest))
		_ = c.Close()
		return
	}
	if _, err := c.Write(resp); err != nil {
		s.adm.Release()
		obs.ErrorsTotal.WithLabelValues("handshake_write").Inc()
		_ = c.Close()
		return
	}

	id, _ := cryptoRandomID(12)
	sess := relay.New(id, relay.NewChannel(c, br, s.cfg.Transport), relay.Config{
		Identity:    s.cfg.Identity,
		DialTimeout: s.cfg.DialTimeout,
		Dialer:      s.cfg.Dialer,
		Release:     s.adm.Release,
		OnStateChange: func(sess *relay.Session, st relay.State) {
			if st == relay.Relaying {
				// the handshake deadline also bounds the wait for the tunnel header
				_ = c.SetReadDeadline(time.Time{})
			}
			s.publish("update", func(ctx context.Context) error { return s.cfg.Store.Update(ctx, record(sess.Stats())) })
		},
	})
	obs.Info("session.open", obs.Fields{"session": id, "remote": remote, "active": s.adm.Active()})
	if !s.track(sess) {
		sess.Close()
	}
	s.publish("register", func(ctx context.Context) error { return s.cfg.Store.Register(ctx, record(sess.Stats())) })

	_ = sess.Run(ctx)
	sess.Wait()

	s.untrack(sess)
	s.publish("remove", func(ctx context.Context) error { return s.cfg.Store.Remove(ctx, id) })
}

func (s *Server) track(sess *relay.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.sessions[sess.ID()] = sess
	return true
}

func (s *Server) untrack(sess *relay.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

func (s *Server) publish(op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		obs.ErrorsTotal.WithLabelValues("state_" + op).Inc()
		obs.Error("state."+op, obs.Fields{"err": err.Error()})
	}
}

func record(st relay.Stats) state.Record {
	return state.Record{
		ID:        st.ID,
		Remote:    st.Remote,
		Target:    st.Target,
		State:     st.State,
		Reason:    string(st.Reason),
		Started:   st.Started,
		BytesUp:   st.BytesUp,
		BytesDown: st.BytesDown,
	}
}

func cryptoRandomID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
