package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nashlabs/nash-stats/internal/orders"
	"github.com/nashlabs/nash-stats/internal/storage"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

type fakeSink struct {
	mu      sync.Mutex
	samples []types.Sample
}

func (s *fakeSink) Ingest(samples []types.Sample) (storage.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
	return storage.IngestResult{Accepted: len(samples)}, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

type ordersHandler struct {
	mu   sync.Mutex
	body string
}

func (h *ordersHandler) set(body string) {
	h.mu.Lock()
	h.body = body
	h.mu.Unlock()
}

func (h *ordersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w.Write([]byte(h.body))
}

func orderJSON(side, symbol, amount string) string {
	return `{"type": "` + side + `", "blockchain": "eth", "cryptoAmount": "` + amount + `",
		"cryptoSymbol": "` + symbol + `", "fiatAmount": "100", "fiatPrice": "2000",
		"fiatSymbol": "USD"}`
}

func newTestPoller(t *testing.T, url string, sink Sink) *Poller {
	t.Helper()

	store, err := orders.OpenStore(filepath.Join(t.TempDir(), "orders.duckdb"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p, err := New(Config{URL: url, Interval: time.Hour, Timeout: 5 * time.Second}, store, sink)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	return p
}

func TestPoller_DetectsNewOrders(t *testing.T) {
	h := &ordersHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	sink := &fakeSink{}
	p := newTestPoller(t, srv.URL, sink)
	ctx := context.Background()

	h.set(`{"latestOrders": [` + orderJSON("buy", "ETH", "1") + `]}`)
	p.Poll(ctx)

	// First poll has an empty previous set, so the one order is new.
	if got := p.Stats().OrdersNew; got != 1 {
		t.Fatalf("expected 1 new order, got %d", got)
	}

	// Same page again: nothing new.
	p.Poll(ctx)
	if got := p.Stats().OrdersNew; got != 1 {
		t.Fatalf("unchanged page produced new orders: %d", got)
	}

	// One extra order appears.
	h.set(`{"latestOrders": [` + orderJSON("buy", "ETH", "1") + `,` + orderJSON("sell", "BTC", "2") + `]}`)
	p.Poll(ctx)
	if got := p.Stats().OrdersNew; got != 2 {
		t.Fatalf("expected 2 new orders total, got %d", got)
	}

	// Three samples per order.
	if sink.count() != 6 {
		t.Errorf("expected 6 samples, got %d", sink.count())
	}

	n, err := p.store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 persisted orders, got %d", n)
	}
}

func TestPoller_WarnsOnFullPageTurnover(t *testing.T) {
	h := &ordersHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	p := newTestPoller(t, srv.URL, &fakeSink{})
	ctx := context.Background()

	h.set(`{"latestOrders": [` + orderJSON("buy", "ETH", "1") + `]}`)
	p.Poll(ctx)

	// Entirely different page: every order is new.
	h.set(`{"latestOrders": [` + orderJSON("sell", "BTC", "9") + `]}`)
	p.Poll(ctx)

	if got := p.Stats().PossiblyMissed; got != 1 {
		t.Errorf("expected 1 possibly-missed warning, got %d", got)
	}
}

func TestPoller_FetchErrorsDoNotStopLoop(t *testing.T) {
	h := &ordersHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	p := newTestPoller(t, srv.URL, &fakeSink{})
	ctx := context.Background()

	h.set(`{"message": "internal error"}`)
	p.Poll(ctx)
	if got := p.Stats().FetchErrors; got != 1 {
		t.Fatalf("expected 1 fetch error, got %d", got)
	}

	// Loop recovers on the next good response.
	h.set(`{"latestOrders": [` + orderJSON("buy", "ETH", "1") + `]}`)
	p.Poll(ctx)
	if got := p.Stats().OrdersNew; got != 1 {
		t.Errorf("expected recovery after error, got %d new orders", got)
	}
}

func TestPoller_MarketQueryParameter(t *testing.T) {
	var gotMarket string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMarket = r.URL.Query().Get("market")
		w.Write([]byte(`{"latestOrders": []}`))
	}))
	defer srv.Close()

	p, err := New(Config{URL: srv.URL, Market: "eth_usdc", Interval: time.Hour}, nil, nil)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	p.Poll(context.Background())

	if gotMarket != "eth_usdc" {
		t.Errorf("expected market parameter, got %q", gotMarket)
	}
}

func TestPoller_RunAndStop(t *testing.T) {
	h := &ordersHandler{}
	h.set(`{"latestOrders": []}`)
	srv := httptest.NewServer(h)
	defer srv.Close()

	p, err := New(Config{URL: srv.URL, Interval: 10 * time.Millisecond}, nil, &fakeSink{})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	go p.Run(context.Background())
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	if p.Stats().Fetches == 0 {
		t.Errorf("expected at least one poll")
	}
}
