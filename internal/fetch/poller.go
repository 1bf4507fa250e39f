// Package fetch polls an exchange completed-orders endpoint, detects
// orders not seen on the previous poll, persists them, and feeds them
// into the aggregation pipeline as samples.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nashlabs/nash-stats/internal/logging"
	"github.com/nashlabs/nash-stats/internal/orders"
	"github.com/nashlabs/nash-stats/internal/storage"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

// Config holds poller configuration.
type Config struct {
	// URL is the completed-orders endpoint.
	URL string

	// Market optionally restricts polling to one market pair. Sent as
	// the "market" query parameter when set.
	Market string

	// Interval between polls.
	Interval time.Duration

	// Timeout bounds a single HTTP request.
	Timeout time.Duration
}

// Sink receives samples converted from new orders.
type Sink interface {
	Ingest(samples []types.Sample) (storage.IngestResult, error)
}

// Stats holds poller statistics.
type Stats struct {
	Fetches        int64
	FetchErrors    int64
	OrdersNew      int64
	InsertErrors   int64
	PossiblyMissed int64
}

// Poller polls the orders endpoint on a fixed interval. De-duplication
// is a set difference against the previous poll: the endpoint returns
// the N most recent orders, so an order is new when it was absent last
// time. When every returned order is new, the page rolled over entirely
// between polls and orders may have been missed.
type Poller struct {
	cfg    Config
	client *http.Client
	store  *orders.Store
	sink   Sink
	log    *slog.Logger

	mu       sync.Mutex
	previous orders.Set
	stats    Stats

	stopped atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a poller. The store may be nil to skip persistence.
func New(cfg Config, store *orders.Store, sink Sink) (*Poller, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("fetch URL is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("fetch interval must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Poller{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		store:    store,
		sink:     sink,
		log:      logging.Component("fetch"),
		previous: orders.Set{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Run polls until the context is cancelled or Stop is called. The
// first successful poll only seeds the previous set; fetch and insert
// errors are logged and do not stop the loop.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.doneCh)

	p.log.Info("poller started", "url", p.cfg.URL, "interval", p.cfg.Interval)

	if current, err := p.fetch(ctx); err != nil {
		p.log.Error("initial fetch failed", "error", err)
	} else {
		p.mu.Lock()
		p.previous = current
		p.mu.Unlock()
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Stop stops the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	if !p.stopped.Swap(true) {
		close(p.stopCh)
	}
	<-p.doneCh
}

// Poll performs one fetch cycle.
func (p *Poller) Poll(ctx context.Context) {
	current, err := p.fetch(ctx)
	if err != nil {
		p.mu.Lock()
		p.stats.FetchErrors++
		p.mu.Unlock()
		p.log.Error("fetch failed", "error", err)
		return
	}

	p.mu.Lock()
	previous := p.previous
	p.previous = current
	p.stats.Fetches++
	p.mu.Unlock()

	newOrders := current.Difference(previous)

	if len(previous) > 0 && len(newOrders) == len(current) && len(current) > 0 {
		p.mu.Lock()
		p.stats.PossiblyMissed++
		p.mu.Unlock()
		p.log.Warn("new orders possibly missed", "count", len(newOrders))
	}

	now := time.Now().UnixMilli()
	for _, o := range newOrders {
		p.log.Info("new order", "order", o.String())

		p.mu.Lock()
		p.stats.OrdersNew++
		p.mu.Unlock()

		if p.store != nil {
			if err := p.store.Insert(ctx, o); err != nil {
				p.mu.Lock()
				p.stats.InsertErrors++
				p.mu.Unlock()
				p.log.Error("failed to insert order", "error", err)
			}
		}

		if p.sink != nil {
			if _, err := p.sink.Ingest(Samples(o, now)); err != nil {
				p.log.Error("failed to ingest order samples", "error", err)
			}
		}
	}
}

func (p *Poller) fetch(ctx context.Context) (orders.Set, error) {
	u := p.cfg.URL
	if p.cfg.Market != "" {
		parsed, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("bad fetch URL: %w", err)
		}
		q := parsed.Query()
		q.Set("market", p.cfg.Market)
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	list, err := orders.DecodeResponse(body)
	if err != nil {
		return nil, err
	}
	return orders.NewSet(list), nil
}

// Stats returns poller statistics.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Samples converts an order to metric samples. One sample per measure,
// tagged with the order dimensions.
func Samples(o orders.Order, timestampMs int64) []types.Sample {
	tags := map[string]string{
		"side":       string(o.Side),
		"blockchain": o.Blockchain,
		"crypto":     o.CryptoSymbol,
		"fiat":       o.FiatSymbol,
	}
	return []types.Sample{
		{Name: "nash_order_fiat_amount", Value: o.FiatAmount, TimestampMs: timestampMs, Tags: tags},
		{Name: "nash_order_crypto_amount", Value: o.CryptoAmount, TimestampMs: timestampMs, Tags: tags},
		{Name: "nash_order_fiat_price", Value: o.FiatPrice, TimestampMs: timestampMs, Tags: tags},
	}
}
