package livesite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/livesite/cache"
	"github.com/huykn/livesite/coordination"
	"github.com/huykn/livesite/gateway"
	"github.com/huykn/livesite/logging"
	"github.com/huykn/livesite/notify"
	"github.com/huykn/livesite/presenter"
	"github.com/huykn/livesite/storage"
	"github.com/huykn/livesite/types"
)

// connectedBeforeKey is the storage key remembering that this client has
// reached the authority at least once.
const connectedBeforeKey = "connected_before"

// Platform owns one instance of every client component. Construct it once
// at startup and pass it to consumers.
type Platform struct {
	cfg    Config
	logger Logger
	zap    *logging.ZapLogger

	gateway   *gateway.Client
	cache     *cache.Store
	channel   *coordination.Channel
	presenter *presenter.Presenter
	router    *notify.Router

	store     storage.Store
	ownsStore bool
	redis     *redis.Client

	connectedBefore atomic.Bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started int32
	closed  int32
}

// New builds a platform from cfg. Nothing is dialed until Start.
func New(cfg Config) (*Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{cfg: cfg}
	if err := p.build(); err != nil {
		p.teardown()
		return nil, err
	}
	return p, nil
}

func (p *Platform) build() error {
	if err := p.buildLogger(); err != nil {
		return err
	}
	if err := p.buildStorage(); err != nil {
		return err
	}

	gwOpts := gateway.DefaultOptions()
	gwOpts.BaseURL = p.cfg.BaseURL
	gwOpts.Timeout = p.cfg.RequestTimeout
	gwOpts.RetryWait = p.cfg.RetryWait
	gwOpts.ProbePath = p.cfg.ProbePath
	gwOpts.AuthToken = p.cfg.AuthToken
	gwOpts.Schemas = p.cfg.Schemas
	gwOpts.Logger = p.logger
	gwOpts.DebugMode = p.cfg.DebugMode
	gwOpts.EnableMetrics = p.cfg.EnableMetrics
	gwOpts.OnError = p.cfg.OnError
	if p.cfg.FixturesPath != "" {
		fixtures, err := gateway.LoadFixtureFile(p.cfg.FixturesPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		gwOpts.Fallback = fixtures
	}
	gw, err := gateway.New(gwOpts)
	if err != nil {
		return err
	}
	p.gateway = gw

	cacheOpts := cache.DefaultOptions()
	cacheOpts.DefaultTTL = p.cfg.CacheTTL
	// Every gateway attempt plus the wait between them, with room for
	// the fallback lookup.
	cacheOpts.FetchTimeout = gateway.MaxAttempts*p.cfg.RequestTimeout + p.cfg.RetryWait + time.Second
	cacheOpts.LocalCacheConfig = p.cfg.LocalCacheConfig
	cacheOpts.Logger = p.logger
	cacheOpts.DebugMode = p.cfg.DebugMode
	cacheOpts.EnableMetrics = p.cfg.EnableMetrics
	cacheOpts.OnError = p.cfg.OnError
	store, err := cache.New(cacheOpts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	p.cache = store

	transport, err := p.buildTransport()
	if err != nil {
		return err
	}
	if transport != nil {
		chOpts := coordination.DefaultOptions()
		chOpts.Transport = transport
		chOpts.RestoredDisplay = p.cfg.Channel.RestoredDisplay
		chOpts.ReconnectMin = p.cfg.Channel.ReconnectMin
		chOpts.ReconnectMax = p.cfg.Channel.ReconnectMax
		chOpts.MaxReconnectAttempts = p.cfg.Channel.MaxReconnectAttempts
		chOpts.Logger = p.logger
		chOpts.DebugMode = p.cfg.DebugMode
		chOpts.EnableMetrics = p.cfg.EnableMetrics
		chOpts.OnError = p.cfg.OnError
		ch, err := coordination.New(chOpts)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		p.channel = ch
	}

	p.presenter = presenter.New(p.logger)
	p.router = notify.New(notify.Options{
		Native:        p.cfg.Native,
		Focus:         p.cfg.Focus,
		Route:         p.cfg.Route,
		Logger:        p.logger,
		DebugMode:     p.cfg.DebugMode,
		EnableMetrics: p.cfg.EnableMetrics,
		OnError:       p.cfg.OnError,
	})
	return nil
}

func (p *Platform) buildLogger() error {
	if p.cfg.Logger != nil {
		p.logger = p.cfg.Logger
		return nil
	}
	switch p.cfg.Log.Output {
	case LogConsole:
		p.logger = logging.NewConsoleLogger("livesite")
	case LogZap:
		zl, err := logging.NewZapLogger(p.cfg.Log.Level, p.cfg.Log.Format)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		p.zap = zl
		p.logger = zl
	default:
		p.logger = logging.NewNoOpLogger()
	}
	return nil
}

func (p *Platform) buildStorage() error {
	if p.cfg.Store != nil {
		p.store = p.cfg.Store
		return nil
	}
	switch p.cfg.Storage.Kind {
	case StorageRedis:
		rs, err := storage.NewRedisStore(p.cfg.Redis.Addr, p.cfg.Redis.Password, p.cfg.Redis.DB, p.cfg.Storage.Prefix)
		if err != nil {
			return fmt.Errorf("connect storage: %w", err)
		}
		p.store = rs
	default:
		p.store = storage.NewMemoryStore()
	}
	p.ownsStore = true
	return nil
}

func (p *Platform) buildTransport() (coordination.Transport, error) {
	if p.cfg.Transport != nil {
		return p.cfg.Transport, nil
	}
	switch p.cfg.Channel.Transport {
	case TransportWebSocket:
		tr := coordination.NewWebSocketTransport(p.cfg.Channel.URL)
		if p.cfg.AuthToken != "" {
			tr.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
		}
		return tr, nil
	case TransportRedis:
		client := p.redisClient()
		return coordination.NewRedisTransport(client, p.cfg.Channel.Downstream, p.cfg.Channel.Upstream), nil
	default:
		return nil, nil
	}
}

// redisClient reuses the storage connection when storage is on Redis.
func (p *Platform) redisClient() *redis.Client {
	if rs, ok := p.store.(*storage.RedisStore); ok {
		return rs.GetClient()
	}
	p.redis = redis.NewClient(&redis.Options{
		Addr:     p.cfg.Redis.Addr,
		Password: p.cfg.Redis.Password,
		DB:       p.cfg.Redis.DB,
	})
	return p.redis
}

// Start reads durable client flags, optionally probes the authority and
// starts the channel and its consumers.
func (p *Platform) Start(ctx context.Context) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrClosed
	}
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return nil
	}

	var before bool
	err := storage.GetJSON(ctx, p.store, connectedBeforeKey, &before)
	switch {
	case err == nil:
		p.connectedBefore.Store(before)
	case errors.Is(err, storage.ErrNotFound):
	default:
		p.logger.Warn("failed to read client flags", "error", err)
	}

	if p.cfg.ProbeOnStart {
		if err := p.gateway.CheckConnection(ctx); err != nil {
			p.logger.Warn("startup probe failed", "error", err, "mode", p.gateway.Mode())
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.router.Start(ctx)

	modes, cancelModes := p.gateway.SubscribeMode()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancelModes()
		p.watchMode(runCtx, modes)
	}()

	if p.channel == nil {
		return nil
	}

	states, cancelStates := p.channel.SubscribeState()
	flagStates, cancelFlagStates := p.channel.SubscribeState()
	notes, cancelNotes := p.channel.SubscribeNotifications()

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		defer cancelStates()
		p.presenter.Run(runCtx, states)
	}()
	go func() {
		defer p.wg.Done()
		defer cancelNotes()
		p.router.Run(runCtx, notes)
	}()
	go func() {
		defer p.wg.Done()
		defer cancelFlagStates()
		p.watchConnected(runCtx, flagStates)
	}()

	return p.channel.Start(runCtx)
}

// watchMode drops cached reads whenever the gateway switches between live
// and fallback data.
func (p *Platform) watchMode(ctx context.Context, modes <-chan types.GatewayMode) {
	for {
		select {
		case <-ctx.Done():
			return
		case mode, ok := <-modes:
			if !ok {
				return
			}
			p.cache.Clear()
			if p.cfg.DebugMode {
				p.logger.Debug("Platform: cache cleared on mode change", "mode", mode)
			}
		}
	}
}

// watchConnected persists the connected-before flag on the first Connected.
func (p *Platform) watchConnected(ctx context.Context, states <-chan types.ConnectionState) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if state != types.StateConnected {
				continue
			}
			if p.connectedBefore.Load() {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := storage.SetJSON(wctx, p.store, connectedBeforeKey, true)
			cancel()
			if err != nil {
				p.logger.Warn("failed to persist client flags", "error", err)
				if p.cfg.OnError != nil {
					p.cfg.OnError(err)
				}
			}
			return
		}
	}
}

// Close stops background work, releases held locks and closes owned
// resources.
func (p *Platform) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	p.teardown()
	return nil
}

func (p *Platform) teardown() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if p.presenter != nil {
		p.presenter.Close()
	}
	if p.router != nil {
		p.router.Close()
	}
	if p.gateway != nil {
		p.gateway.Close()
	}
	if p.cache != nil {
		p.cache.Close()
	}
	if p.redis != nil {
		p.redis.Close()
	}
	if p.ownsStore && p.store != nil {
		p.store.Close()
	}
	if p.zap != nil {
		p.zap.Sync()
	}
}

// Fetch reads resource through the cache. A ttl <= 0 uses CacheTTL.
func (p *Platform) Fetch(ctx context.Context, resource string, ttl time.Duration) (json.RawMessage, error) {
	return cache.GetOrFetchAs(ctx, p.cache, resource, ttl, func(ctx context.Context) (json.RawMessage, error) {
		resp, err := p.gateway.Request(ctx, resource, gateway.RequestOptions{Method: http.MethodGet})
		if err != nil {
			return nil, err
		}
		return resp.Data, nil
	})
}

// FetchJSON is Fetch followed by decoding into out.
func (p *Platform) FetchJSON(ctx context.Context, resource string, ttl time.Duration, out any) error {
	data, err := p.Fetch(ctx, resource, ttl)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Refresh bypasses the cache for resource and stores the new result.
func (p *Platform) Refresh(ctx context.Context, resource string) (json.RawMessage, error) {
	v, err := p.cache.Refetch(ctx, resource, func(ctx context.Context) (any, error) {
		resp, err := p.gateway.Request(ctx, resource, gateway.RequestOptions{Method: http.MethodGet})
		if err != nil {
			return nil, err
		}
		return resp.Data, nil
	})
	if err != nil {
		return nil, err
	}
	data, ok := v.(json.RawMessage)
	if !ok {
		return nil, cache.ErrTypeMismatch
	}
	return data, nil
}

// OpenEditor acquires the section lock for who. It fails with a
// *coordination.LockHeldError naming the holder when someone else is
// editing.
func (p *Platform) OpenEditor(ctx context.Context, resourceID string, who Holder) error {
	if p.channel == nil {
		return ErrNoChannel
	}
	return p.channel.Acquire(ctx, resourceID, who)
}

// CloseEditor releases the section lock after save or cancel.
func (p *Platform) CloseEditor(ctx context.Context, resourceID string) error {
	if p.channel == nil {
		return ErrNoChannel
	}
	return p.channel.Release(ctx, resourceID)
}

// ConnectedBefore reports whether this client reached the authority in an
// earlier session, as read from storage by Start.
func (p *Platform) ConnectedBefore() bool {
	return p.connectedBefore.Load()
}

// Unauthorized delivers the process-wide unauthorized signal.
func (p *Platform) Unauthorized() (<-chan UnauthorizedEvent, func()) {
	return p.gateway.SubscribeUnauthorized()
}

// Mode returns the gateway mode.
func (p *Platform) Mode() GatewayMode {
	return p.gateway.Mode()
}

// ClientID returns the configured client id.
func (p *Platform) ClientID() string {
	return p.cfg.ClientID
}

// Logger returns the platform logger.
func (p *Platform) Logger() Logger {
	return p.logger
}

// Gateway returns the request client.
func (p *Platform) Gateway() *gateway.Client {
	return p.gateway
}

// Cache returns the read cache.
func (p *Platform) Cache() *cache.Store {
	return p.cache
}

// Channel returns the coordination channel, or nil when disabled.
func (p *Platform) Channel() *coordination.Channel {
	return p.channel
}

// Presenter returns the connection status presenter.
func (p *Platform) Presenter() *presenter.Presenter {
	return p.presenter
}

// Notifications returns the notification router.
func (p *Platform) Notifications() *notify.Router {
	return p.router
}

// Storage returns the host key/value store.
func (p *Platform) Storage() storage.Store {
	return p.store
}
