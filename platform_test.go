package livesite

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huykn/livesite/coordination"
	"github.com/huykn/livesite/gateway"
	"github.com/huykn/livesite/presenter"
	"github.com/huykn/livesite/storage"
	"github.com/huykn/livesite/types"
)

type pipeConn struct {
	in     chan types.Message
	sent   chan types.Message
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan types.Message, 16),
		sent:   make(chan types.Message, 16),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) Read(ctx context.Context) (types.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return types.Message{}, io.EOF
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, msg types.Message) error {
	select {
	case c.sent <- msg:
	default:
	}
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func pipeTransport(conns chan *pipeConn) coordination.Transport {
	return coordination.TransportFunc(func(ctx context.Context) (coordination.Conn, error) {
		c := newPipeConn()
		conns <- c
		return c, nil
	})
}

func newTestServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		case "/news":
			w.Write([]byte(`[{"id":"live-1"}]`))
		case "/admin/stats":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"forbidden"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.RetryWait = 0
	cfg.EnableMetrics = false
	cfg.Channel.ReconnectMin = 5 * time.Millisecond
	cfg.Channel.ReconnectMax = 10 * time.Millisecond
	cfg.Channel.RestoredDisplay = 50 * time.Millisecond
	return cfg
}

func TestPlatformWithoutChannel(t *testing.T) {
	var calls int32
	srv := newTestServer(t, &calls)

	cfg := testConfig(srv.URL)
	cfg.Channel.Transport = TransportNone
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create platform: %v", err)
	}
	defer p.Close()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if p.Channel() != nil {
		t.Fatal("expected no channel")
	}
	if err := p.OpenEditor(context.Background(), "hero", Holder{ID: "u1"}); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
	if p.Mode() != types.ModeLive {
		t.Fatalf("expected live mode, got %v", p.Mode())
	}
}

func TestPlatformFetchUsesCache(t *testing.T) {
	var calls int32
	srv := newTestServer(t, &calls)

	cfg := testConfig(srv.URL)
	cfg.Channel.Transport = TransportNone
	cfg.ProbeOnStart = false
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create platform: %v", err)
	}
	defer p.Close()
	p.Start(context.Background())

	var news []struct {
		ID string `json:"id"`
	}
	for i := 0; i < 3; i++ {
		if err := p.FetchJSON(context.Background(), "/news", 0, &news); err != nil {
			t.Fatalf("FetchJSON failed: %v", err)
		}
	}
	if len(news) != 1 || news[0].ID != "live-1" {
		t.Fatalf("unexpected news: %+v", news)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 network call, got %d", got)
	}

	if _, err := p.Refresh(context.Background(), "/news"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected refresh to hit the network, got %d calls", got)
	}
}

func TestPlatformUnauthorizedSignal(t *testing.T) {
	var calls int32
	srv := newTestServer(t, &calls)

	cfg := testConfig(srv.URL)
	cfg.Channel.Transport = TransportNone
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create platform: %v", err)
	}
	defer p.Close()

	signals, cancel := p.Unauthorized()
	defer cancel()

	_, err = p.Fetch(context.Background(), "/admin/stats", 0)
	if _, ok := gateway.AsUnauthorized(err); !ok {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	select {
	case ev := <-signals:
		if ev.Status != http.StatusForbidden {
			t.Fatalf("unexpected signal: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no unauthorized signal")
	}
	if _, ok := p.Cache().Peek("/admin/stats"); ok {
		t.Fatal("errors must not be cached")
	}
}

func TestPlatformStartProbeFailureEntersFallback(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.Channel.Transport = TransportNone
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create platform: %v", err)
	}
	defer p.Close()

	p.Start(context.Background())
	if p.Mode() != types.ModeFallback {
		t.Fatalf("expected fallback mode after failed probe, got %v", p.Mode())
	}
	data, err := p.Fetch(context.Background(), "/users/me", 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected fallback data")
	}
}

func TestPlatformChannelWiring(t *testing.T) {
	var calls int32
	srv := newTestServer(t, &calls)

	store := storage.NewMemoryStore()
	conns := make(chan *pipeConn, 4)
	routed := make(chan string, 1)

	cfg := testConfig(srv.URL)
	cfg.Store = store
	cfg.Transport = pipeTransport(conns)
	cfg.Route = func(id string) { routed <- id }
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create platform: %v", err)
	}
	defer p.Close()

	directives, cancelDirectives := p.Presenter().Subscribe()
	defer cancelDirectives()
	displays, cancelDisplays := p.Notifications().Subscribe()
	defer cancelDisplays()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if p.ConnectedBefore() {
		t.Fatal("fresh storage should not report a previous connection")
	}

	var conn *pipeConn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not dial")
	}

	// The connected-before flag is persisted after the first Connected.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var flag bool
		if storage.GetJSON(context.Background(), store, connectedBeforeKey, &flag) == nil && flag {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connected_before flag not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.in <- types.Message{Event: types.EventCodeNotification, Text: "Broken link", Payload: []byte(`"news/7"`)}
	select {
	case d := <-displays:
		if !d.Visible || d.Event.Payload == nil || d.Event.Payload.ResourceID != "news/7" {
			t.Fatalf("unexpected display: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not routed")
	}
	if id, ok := p.Notifications().Act(); !ok || id != "news/7" {
		t.Fatalf("expected route to news/7, got %q", id)
	}
	if got := <-routed; got != "news/7" {
		t.Fatalf("unexpected route %q", got)
	}

	conn.Close()
	select {
	case d := <-directives:
		if d != presenter.Blocking {
			t.Fatalf("expected blocking banner, got %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presenter did not react to drop")
	}

	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not redial")
	}
	for _, want := range []presenter.Directive{presenter.Affirmation, presenter.Hidden} {
		select {
		case d := <-directives:
			if d != want {
				t.Fatalf("expected %v, got %v", want, d)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}

	who := Holder{ID: p.ClientID(), Name: "Ann"}
	if err := p.OpenEditor(context.Background(), "pages/home", who); err != nil {
		t.Fatalf("OpenEditor failed: %v", err)
	}
	if msg := <-conn.sent; msg.Event != types.EventAcquireLock || msg.HolderID != who.ID {
		t.Fatalf("unexpected upstream message: %+v", msg)
	}

	p.Close()
	select {
	case msg := <-conn.sent:
		if msg.Event != types.EventReleaseLock || msg.ResourceID != "pages/home" {
			t.Fatalf("expected release on close, got %+v", msg)
		}
	default:
		t.Fatal("held lock not released on close")
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPlatformReadsConnectedBefore(t *testing.T) {
	var calls int32
	srv := newTestServer(t, &calls)

	store := storage.NewMemoryStore()
	storage.SetJSON(context.Background(), store, connectedBeforeKey, true)

	cfg := testConfig(srv.URL)
	cfg.Store = store
	cfg.Channel.Transport = TransportNone
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create platform: %v", err)
	}
	defer p.Close()

	p.Start(context.Background())
	if !p.ConnectedBefore() {
		t.Fatal("expected connected_before from storage")
	}
}
