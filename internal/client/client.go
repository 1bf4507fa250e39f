// Package client provides a client for the nash-stats server.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nashlabs/nash-stats/internal/errors"
	"github.com/nashlabs/nash-stats/internal/storage/types"
	"github.com/nashlabs/nash-stats/internal/wire"
)

// Config holds client configuration.
type Config struct {
	Addr           string
	Token          string
	TLS            bool
	TLSSkipVerify  bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "localhost:9440",
		TLS:            true,
		ConnectTimeout: 30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client connects to a nash-stats server. It is safe for concurrent
// use; responses are matched to requests by envelope ID.
type Client struct {
	cfg       *Config
	tlsConfig *tls.Config

	mu   sync.Mutex
	conn net.Conn
	wire *wire.Conn

	connected atomic.Bool
	closed    atomic.Bool

	pendingMu sync.Mutex
	pending   map[uint64]chan *wire.Envelope
	requestID atomic.Uint64

	shutdown chan struct{}
}

// New creates a new client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}

	c := &Client{
		cfg:      cfg,
		pending:  make(map[uint64]chan *wire.Envelope),
		shutdown: make(chan struct{}),
	}
	if cfg.TLS {
		c.tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
	}
	return c
}

// Connect dials the server and authenticates.
func (c *Client) Connect() error {
	return c.ConnectWithContext(context.Background())
}

// ConnectWithContext dials with a context for timeout/cancellation.
func (c *Client) ConnectWithContext(ctx context.Context) error {
	if c.closed.Load() {
		return errors.ErrClosed
	}
	if c.connected.Load() {
		return fmt.Errorf("already connected")
	}

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}

	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", c.cfg.Addr, c.tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, err.Error())
	}

	w := wire.NewConn(conn)

	if err := c.authenticate(ctx, conn, w); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.wire = w
	c.mu.Unlock()
	c.connected.Store(true)

	go c.readLoop(w)

	return nil
}

func (c *Client) authenticate(ctx context.Context, conn net.Conn, w *wire.Conn) error {
	if err := w.Write(&wire.Envelope{ID: 1, Auth: &wire.Auth{Token: c.cfg.Token}}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	}
	defer conn.SetReadDeadline(time.Time{})

	env, err := w.Read()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}

	if env.Error != nil {
		return errors.Wrap(errors.CodeToError(env.Error.Code), env.Error.Message)
	}
	if env.AuthResp == nil || !env.AuthResp.OK {
		msg := "authentication failed"
		if env.AuthResp != nil && env.AuthResp.Message != "" {
			msg = env.AuthResp.Message
		}
		return errors.Wrap(errors.ErrInvalidToken, msg)
	}

	return nil
}

// Close closes the connection. The client cannot be reused.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.connected.Store(false)
	close(c.shutdown)

	c.mu.Lock()
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
		c.wire = nil
	}
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	return err
}

// IsConnected returns true while the connection is usable.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) readLoop(w *wire.Conn) {
	for {
		env, err := w.Read()
		if err != nil {
			c.connected.Store(false)
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		c.pendingMu.Unlock()

		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	}
}

func (c *Client) request(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	if !c.connected.Load() {
		return nil, errors.ErrConnectionFailed
	}

	id := c.requestID.Add(1) + 1 // id 1 is used by auth
	env.ID = id

	ch := make(chan *wire.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	w := c.wire
	c.mu.Unlock()
	if w == nil {
		return nil, errors.ErrConnectionFailed
	}
	if err := w.Write(env); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.ErrClosed
		}
		if resp.Error != nil {
			return nil, errors.Wrap(errors.CodeToError(resp.Error.Code), resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrTimeout, ctx.Err().Error())
	case <-c.shutdown:
		return nil, errors.ErrClosed
	}
}

func (c *Client) requestWithTimeout(env *wire.Envelope) (*wire.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	return c.request(ctx, env)
}

// Ping checks server liveness.
func (c *Client) Ping() error {
	resp, err := c.requestWithTimeout(&wire.Envelope{Ping: &wire.Ping{}})
	if err != nil {
		return err
	}
	if resp.Pong == nil {
		return fmt.Errorf("unexpected ping response")
	}
	return nil
}

// Ingest sends a batch of samples and returns the acknowledgement.
func (c *Client) Ingest(samples []types.Sample) (*wire.IngestAck, error) {
	resp, err := c.requestWithTimeout(&wire.Envelope{Ingest: &wire.Ingest{Samples: samples}})
	if err != nil {
		return nil, err
	}
	if resp.IngestAck == nil {
		return nil, fmt.Errorf("unexpected ingest response")
	}
	return resp.IngestAck, nil
}

// Query returns closed windows for a key within a range. Zero start
// and end mean an unbounded range.
func (c *Client) Query(key string, startMs, endMs int64, limit int) ([]types.WindowAggregate, error) {
	resp, err := c.requestWithTimeout(&wire.Envelope{Query: &wire.Query{
		Key:     key,
		StartMs: startMs,
		EndMs:   endMs,
		Limit:   uint32(limit),
	}})
	if err != nil {
		return nil, err
	}
	if resp.QueryResult == nil {
		return nil, fmt.Errorf("unexpected query response")
	}
	return resp.QueryResult.Windows, nil
}

// Flush forces a window closed and returns it. The bool reports
// whether the window had data.
func (c *Client) Flush(key string, windowStartMs int64) (*types.WindowAggregate, bool, error) {
	resp, err := c.requestWithTimeout(&wire.Envelope{Flush: &wire.Flush{
		Key:           key,
		WindowStartMs: windowStartMs,
	}})
	if err != nil {
		return nil, false, err
	}
	if resp.FlushResult == nil {
		return nil, false, fmt.Errorf("unexpected flush response")
	}
	return resp.FlushResult.Window, resp.FlushResult.Found, nil
}

// Keys returns every metric key with data.
func (c *Client) Keys() ([]string, error) {
	resp, err := c.requestWithTimeout(&wire.Envelope{Keys: &wire.Keys{}})
	if err != nil {
		return nil, err
	}
	if resp.KeysResult == nil {
		return nil, fmt.Errorf("unexpected keys response")
	}
	return resp.KeysResult.Keys, nil
}
