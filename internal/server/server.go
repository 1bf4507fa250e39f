// Package server accepts TLS client connections, authenticates them,
// and dispatches ingest and query requests to the storage service.
//
// A connection must authenticate with its first envelope. After that,
// each request envelope gets exactly one response with the same ID.
// Connections sending repeated malformed messages are closed.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nashlabs/nash-stats/config"
	"github.com/nashlabs/nash-stats/internal/errors"
	"github.com/nashlabs/nash-stats/internal/logging"
	"github.com/nashlabs/nash-stats/internal/storage"
	"github.com/nashlabs/nash-stats/internal/storage/query"
	"github.com/nashlabs/nash-stats/internal/storage/types"
	"github.com/nashlabs/nash-stats/internal/wire"
)

var log = logging.Component("server")

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:9440").
	Listen string

	// TLS configuration. TLSDisabled is intended for tests only.
	TLSDisabled bool
	TLSCertFile string
	TLSKeyFile  string

	// Tokens is the set of accepted bearer tokens.
	Tokens []string

	// AuthTimeout bounds the wait for the auth envelope.
	AuthTimeout time.Duration

	// IdleTimeout disconnects clients with no traffic.
	IdleTimeout time.Duration

	// MalformedThreshold closes a connection after this many malformed
	// messages.
	MalformedThreshold int

	// MaxMessageSize limits envelope size in bytes.
	MaxMessageSize int

	// RateLimitPerMinute is the failed-auth limit per IP per minute.
	RateLimitPerMinute int
}

// Stats holds server statistics.
type Stats struct {
	ConnectionsAccepted int64
	ConnectionsActive   int64
	AuthFailures        int64
	AuthBlocked         int64
	RequestsHandled     int64
	MalformedMessages   int64
	AbuseCloses         int64
}

// Server accepts client connections and serves the stats protocol.
type Server struct {
	cfg   *Config
	store *storage.Service

	listener net.Listener
	limiter  *RateLimiter

	shutdown chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	connsAccepted atomic.Int64
	connsActive   atomic.Int64
	authFailures  atomic.Int64
	authBlocked   atomic.Int64
	requests      atomic.Int64
	malformed     atomic.Int64
	abuseCloses   atomic.Int64
}

// New creates a new server over a started storage service.
func New(cfg *Config, store *storage.Service) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = config.DefaultAuthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultIdleTimeout
	}
	if cfg.MalformedThreshold <= 0 {
		cfg.MalformedThreshold = config.DefaultMalformedThreshold
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = config.DefaultAuthRateLimitPerMinute
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		limiter:  NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
		shutdown: make(chan struct{}),
	}
}

// Listen binds the configured address. With TLS enabled the listener
// requires TLS 1.2 or newer.
func (s *Server) Listen() error {
	if s.cfg.TLSDisabled {
		ln, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		s.listener = ln
		log.Warn("listening WITHOUT TLS", "address", ln.Addr().String())
		return nil
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("load TLS cert: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	ln, err := tls.Listen("tcp", s.cfg.Listen, tlsCfg)
	if err != nil {
		return fmt.Errorf("TLS listen: %w", err)
	}
	s.listener = ln
	log.Info("listening with TLS", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown. Listen must have been
// called first.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("server not listening")
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				log.Error("accept error", "error", err)
				continue
			}
		}

		s.connsAccepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Run binds the listener and serves until Shutdown.
func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting connections and waits for active ones.
func (s *Server) Shutdown() {
	if s.closed.Swap(true) {
		return
	}

	log.Info("shutting down")
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	log.Info("shutdown complete")
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)

	s.connsActive.Add(1)
	defer s.connsActive.Add(-1)

	if s.limiter.IsBlocked(remoteIP) {
		s.authBlocked.Add(1)
		log.Warn("blocked due to too many failed auth attempts", "remote", remote)
		return
	}

	w := wire.NewConn(conn)
	w.SetMaxSize(s.cfg.MaxMessageSize)

	if !s.authenticate(conn, w, remote, remoteIP) {
		return
	}

	log.Info("client authenticated", "remote", remote)

	malformed := 0
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		env, err := w.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, errors.ErrMalformed) {
				malformed++
				s.malformed.Add(1)
				w.Write(wire.NewErrorFromErr(0, err))
				if malformed >= s.cfg.MalformedThreshold {
					s.abuseCloses.Add(1)
					w.Write(wire.NewError(0, errors.CodeProtocolAbuse,
						fmt.Sprintf("closing after %d malformed messages", malformed)))
					log.Warn("closing abusive connection", "remote", remote, "malformed", malformed)
					break
				}
				continue
			}
			break
		}

		if !s.dispatch(w, env) {
			malformed++
			s.malformed.Add(1)
			if malformed >= s.cfg.MalformedThreshold {
				s.abuseCloses.Add(1)
				w.Write(wire.NewError(0, errors.CodeProtocolAbuse,
					fmt.Sprintf("closing after %d malformed messages", malformed)))
				log.Warn("closing abusive connection", "remote", remote, "malformed", malformed)
				break
			}
		}
	}

	log.Info("client disconnected", "remote", remote)
}

// authenticate enforces the auth-first contract: the very first
// envelope must carry a valid token.
func (s *Server) authenticate(conn net.Conn, w *wire.Conn, remote, remoteIP string) bool {
	conn.SetDeadline(time.Now().Add(s.cfg.AuthTimeout))

	env, err := w.Read()
	if err != nil {
		log.Warn("auth read error", "remote", remote, "error", err)
		return false
	}

	if env.Auth == nil {
		s.authFailures.Add(1)
		s.limiter.RecordFailure(remoteIP)
		w.Write(wire.NewError(env.ID, errors.CodeNotAuthenticated, "first message must be auth"))
		return false
	}

	if !s.validToken(env.Auth.Token) {
		s.authFailures.Add(1)
		s.limiter.RecordFailure(remoteIP)
		w.Write(&wire.Envelope{ID: env.ID, AuthResp: &wire.AuthResp{OK: false, Message: "invalid token"}})
		log.Warn("auth failed", "remote", remote,
			"failure_count", s.limiter.GetFailureCount(remoteIP))
		return false
	}

	s.limiter.Reset(remoteIP)
	conn.SetDeadline(time.Time{})

	if err := w.Write(&wire.Envelope{ID: env.ID, AuthResp: &wire.AuthResp{OK: true}}); err != nil {
		log.Warn("failed to send auth response", "remote", remote, "error", err)
		return false
	}
	return true
}

func (s *Server) validToken(token string) bool {
	if token == "" {
		return false
	}
	for _, t := range s.cfg.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

// dispatch answers one request envelope. Returns false when the
// envelope is not a valid request or its batch carried malformed
// records (either counts toward the abuse threshold).
func (s *Server) dispatch(w *wire.Conn, env *wire.Envelope) bool {
	s.requests.Add(1)

	switch {
	case env.Ping != nil:
		w.Write(&wire.Envelope{ID: env.ID, Pong: &wire.Pong{}})

	case env.Ingest != nil:
		result, err := s.store.Ingest(env.Ingest.Samples)
		if err != nil {
			w.Write(wire.NewErrorFromErr(env.ID, err))
			return true
		}
		ack := &wire.IngestAck{Accepted: uint32(result.Accepted)}
		carriedMalformed := false
		for _, rej := range result.Rejected {
			if errors.Is(rej.Err, errors.ErrMalformed) {
				carriedMalformed = true
			}
			ack.Rejected = append(ack.Rejected, wire.Rejection{
				Index:   uint32(rej.Index),
				Code:    errors.ErrorToCode(rej.Err),
				Message: rej.Err.Error(),
			})
		}
		w.Write(&wire.Envelope{ID: env.ID, IngestAck: ack})
		// A batch carrying malformed records counts toward the abuse
		// threshold even though the envelope itself decoded fine. Late
		// samples are a clock problem, not abuse, and do not count.
		if carriedMalformed {
			return false
		}

	case env.Query != nil:
		windows, err := s.store.Query(context.Background(), query.Request{
			Key:   types.MetricKey(env.Query.Key),
			Range: types.TimeRange{Start: env.Query.StartMs, End: env.Query.EndMs},
			Limit: int(env.Query.Limit),
		})
		if err != nil {
			w.Write(wire.NewErrorFromErr(env.ID, err))
			return true
		}
		w.Write(&wire.Envelope{ID: env.ID, QueryResult: &wire.QueryResult{Windows: windows}})

	case env.Flush != nil:
		agg, found, err := s.store.Flush(types.MetricKey(env.Flush.Key), env.Flush.WindowStartMs)
		if err != nil {
			w.Write(wire.NewErrorFromErr(env.ID, err))
			return true
		}
		result := &wire.FlushResult{Found: found}
		if found {
			result.Window = &agg
		}
		w.Write(&wire.Envelope{ID: env.ID, FlushResult: result})

	case env.Keys != nil:
		keys, err := s.store.Keys(context.Background())
		if err != nil {
			w.Write(wire.NewErrorFromErr(env.ID, err))
			return true
		}
		kr := &wire.KeysResult{Keys: make([]string, len(keys))}
		for i, k := range keys {
			kr.Keys[i] = string(k)
		}
		w.Write(&wire.Envelope{ID: env.ID, KeysResult: kr})

	default:
		// Responses and repeated auth are not valid requests.
		w.Write(wire.NewError(env.ID, errors.CodeMalformed, "unexpected message type"))
		return false
	}

	return true
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	return Stats{
		ConnectionsAccepted: s.connsAccepted.Load(),
		ConnectionsActive:   s.connsActive.Load(),
		AuthFailures:        s.authFailures.Load(),
		AuthBlocked:         s.authBlocked.Load(),
		RequestsHandled:     s.requests.Load(),
		MalformedMessages:   s.malformed.Load(),
		AbuseCloses:         s.abuseCloses.Load(),
	}
}
