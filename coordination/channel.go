package coordination

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huykn/livesite/broadcast"
	"github.com/huykn/livesite/logging"
	"github.com/huykn/livesite/metrics"
	"github.com/huykn/livesite/types"
)

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evMessage
)

// event is one entry of the mutation queue.
type event struct {
	kind eventKind
	msg  types.Message
	err  error
}

// Channel is the client end of the coordination channel. All changes to
// connection state, the lock mirror and the presence count are applied by
// a single goroutine in the order they were received.
type Channel struct {
	transport Transport
	options   Options
	logger    logging.Logger

	events chan event

	mu            sync.RWMutex
	state         types.ConnectionState
	everConnected bool
	presence      int
	locks         map[string]types.SectionLock

	connMu sync.Mutex
	conn   Conn

	heldMu sync.Mutex
	held   map[string]types.Holder

	stateTopic        *broadcast.Topic[types.ConnectionState]
	presenceTopic     *broadcast.Topic[int]
	locksTopic        *broadcast.Topic[map[string]types.SectionLock]
	notificationTopic *broadcast.Topic[types.NotificationEvent]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started int32
	closed  int32
}

// New creates a channel. It does not dial until Start is called.
func New(opts Options) (*Channel, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		transport:         opts.Transport,
		options:           opts,
		logger:            logging.OrNoOp(opts.Logger),
		events:            make(chan event, opts.QueueSize),
		state:             types.StateInitial,
		locks:             make(map[string]types.SectionLock),
		held:              make(map[string]types.Holder),
		stateTopic:        broadcast.NewTopic[types.ConnectionState](0),
		presenceTopic:     broadcast.NewTopic[int](0),
		locksTopic:        broadcast.NewTopic[map[string]types.SectionLock](0),
		notificationTopic: broadcast.NewTopic[types.NotificationEvent](0),
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// Start begins dialing and processing events. Cancelling ctx has the same
// effect on the background goroutines as Close.
func (c *Channel) Start(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	c.wg.Add(3)
	go c.run()
	go c.connectLoop()
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			c.cancel()
		case <-c.ctx.Done():
		}
	}()
	return nil
}

// Close releases locks held by this client, best-effort, and stops the
// channel.
func (c *Channel) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.releaseHeld()
	c.cancel()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()

	c.stateTopic.Close()
	c.presenceTopic.Close()
	c.locksTopic.Close()
	c.notificationTopic.Close()
	return nil
}

// State returns the current connection state.
func (c *Channel) State() types.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ConnectedOnce reports whether Connected was reached in this session.
func (c *Channel) ConnectedOnce() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.everConnected
}

// Presence returns the last presence count pushed by the authority.
func (c *Channel) Presence() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presence
}

// Lock returns the mirrored lock for resourceID.
func (c *Channel) Lock(resourceID string) (types.SectionLock, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lock, ok := c.locks[resourceID]
	return lock, ok
}

// Locks returns a copy of the lock mirror.
func (c *Channel) Locks() map[string]types.SectionLock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// CanEdit reports whether userID may open an editor for resourceID. When
// it may not, the returned lock names the current holder.
func (c *Channel) CanEdit(resourceID, userID string) (bool, types.SectionLock) {
	lock, ok := c.Lock(resourceID)
	if !ok || lock.HolderID == userID {
		return true, lock
	}
	return false, lock
}

// Acquire asks the authority for the lock on resourceID. The mirror is
// only updated when the authority confirms with lock_acquired.
func (c *Channel) Acquire(ctx context.Context, resourceID string, who types.Holder) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}
	if lock, ok := c.Lock(resourceID); ok {
		if lock.HolderID != who.ID {
			return &LockHeldError{Lock: lock}
		}
		c.setHeld(resourceID, who)
		return nil
	}

	err := c.send(ctx, types.Message{
		Event:      types.EventAcquireLock,
		ResourceID: resourceID,
		HolderID:   who.ID,
		HolderName: who.Name,
	})
	if err != nil {
		return err
	}
	c.setHeld(resourceID, who)
	return nil
}

// Release gives up the lock on resourceID without waiting for an
// acknowledgment.
func (c *Channel) Release(ctx context.Context, resourceID string) error {
	c.heldMu.Lock()
	delete(c.held, resourceID)
	c.heldMu.Unlock()

	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}
	return c.send(ctx, types.Message{Event: types.EventReleaseLock, ResourceID: resourceID})
}

// SubscribeState delivers every connection state change.
func (c *Channel) SubscribeState() (<-chan types.ConnectionState, func()) {
	return c.stateTopic.Subscribe()
}

// SubscribePresence delivers every presence count push.
func (c *Channel) SubscribePresence() (<-chan int, func()) {
	return c.presenceTopic.Subscribe()
}

// SubscribeLocks delivers a snapshot of the mirror after each change.
// Snapshots are shared between subscribers and must not be modified.
func (c *Channel) SubscribeLocks() (<-chan map[string]types.SectionLock, func()) {
	return c.locksTopic.Subscribe()
}

// SubscribeNotifications delivers system and code notifications.
func (c *Channel) SubscribeNotifications() (<-chan types.NotificationEvent, func()) {
	return c.notificationTopic.Subscribe()
}

func (c *Channel) send(ctx context.Context, msg types.Message) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	wctx, cancel := context.WithTimeout(ctx, c.options.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Event, err)
	}
	if c.options.DebugMode {
		c.logger.Debug("Channel: sent", "event", msg.Event, "resource", msg.ResourceID)
	}
	return nil
}

func (c *Channel) setHeld(resourceID string, who types.Holder) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	c.held[resourceID] = who
}

func (c *Channel) releaseHeld() {
	c.heldMu.Lock()
	ids := make([]string, 0, len(c.held))
	for id := range c.held {
		ids = append(ids, id)
	}
	c.held = make(map[string]types.Holder)
	c.heldMu.Unlock()

	for _, id := range ids {
		err := c.send(context.Background(), types.Message{Event: types.EventReleaseLock, ResourceID: id})
		if err != nil && c.options.DebugMode {
			c.logger.Debug("Channel: release on close failed", "resource", id, "error", err)
		}
	}
}

// setConn installs conn unless the channel is closing.
func (c *Channel) setConn(conn Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if atomic.LoadInt32(&c.closed) == 1 {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) clearConn() {
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
}

func (c *Channel) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// connectLoop dials, reads until the connection drops and redials with
// backoff. Dial failures only show up in ConnectionState.
func (c *Channel) connectLoop() {
	defer c.wg.Done()

	bo := backoff{min: c.options.ReconnectMin, max: c.options.ReconnectMax}
	failures := 0
	for {
		conn, err := c.transport.Dial(c.ctx)
		if c.ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			failures++
			c.recordDial(false)
			c.reportError(fmt.Errorf("dial attempt %d: %w", failures, err))
			if limit := c.options.MaxReconnectAttempts; limit > 0 && failures >= limit {
				c.logger.Error("channel stopped reconnecting", "attempts", failures, "error", err)
				return
			}
			if !c.sleep(bo.next()) {
				return
			}
			continue
		}

		failures = 0
		bo.reset()
		c.recordDial(true)
		if !c.setConn(conn) {
			conn.Close()
			return
		}
		if !c.post(event{kind: evConnected}) {
			c.clearConn()
			conn.Close()
			return
		}

		err = c.readLoop(conn)
		c.clearConn()
		conn.Close()
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Warn("channel connection lost", "error", err)
		if !c.post(event{kind: evDisconnected, err: err}) {
			return
		}
		if !c.sleep(bo.next()) {
			return
		}
	}
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		msg, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if !c.post(event{kind: evMessage, msg: msg}) {
			return c.ctx.Err()
		}
	}
}

// run is the only goroutine that mutates channel state.
func (c *Channel) run() {
	defer c.wg.Done()

	var decay *time.Timer
	var decayC <-chan time.Time
	stopDecay := func() {
		if decay != nil {
			decay.Stop()
			decay, decayC = nil, nil
		}
	}
	defer stopDecay()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			switch ev.kind {
			case evConnected:
				if c.handleConnected() {
					stopDecay()
					decay = time.NewTimer(c.options.RestoredDisplay)
					decayC = decay.C
				}
			case evDisconnected:
				stopDecay()
				c.handleDisconnected(ev.err)
			case evMessage:
				c.handleMessage(ev.msg)
			}
		case <-decayC:
			decay, decayC = nil, nil
			c.handleRestored()
		}
	}
}

// handleConnected reports whether the new state is Reconnected.
func (c *Channel) handleConnected() bool {
	c.mu.Lock()
	var next types.ConnectionState
	switch c.state {
	case types.StateInitial:
		next = types.StateConnected
	case types.StateDisconnected:
		next = types.StateReconnected
	default:
		c.mu.Unlock()
		return false
	}
	c.state = next
	c.everConnected = true
	c.mu.Unlock()

	if next == types.StateConnected {
		c.logger.Info("channel connected")
	} else {
		c.logger.Info("channel reconnected")
	}
	c.publishState(next)
	return next == types.StateReconnected
}

func (c *Channel) handleDisconnected(cause error) {
	c.mu.Lock()
	if !c.everConnected || c.state == types.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = types.StateDisconnected
	c.mu.Unlock()

	if cause != nil {
		c.reportError(cause)
	}
	c.publishState(types.StateDisconnected)
}

func (c *Channel) handleRestored() {
	c.mu.Lock()
	if c.state != types.StateReconnected {
		c.mu.Unlock()
		return
	}
	c.state = types.StateConnected
	c.mu.Unlock()

	c.publishState(types.StateConnected)
}

func (c *Channel) handleMessage(msg types.Message) {
	if c.options.DebugMode {
		c.logger.Debug("Channel: received", "event", msg.Event, "resource", msg.ResourceID)
	}
	if c.options.EnableMetrics {
		metrics.RecordChannelEvent(string(msg.Event))
	}

	switch msg.Event {
	case types.EventPresenceCount:
		c.mu.Lock()
		c.presence = msg.Count
		c.mu.Unlock()
		if c.options.EnableMetrics {
			metrics.SetPresence(msg.Count)
		}
		c.presenceTopic.Publish(msg.Count)

	case types.EventLockTable:
		locks := make(map[string]types.SectionLock, len(msg.Locks))
		for id, lock := range msg.Locks {
			if lock.ResourceID == "" {
				lock.ResourceID = id
			}
			locks[lock.ResourceID] = lock
		}
		c.mu.Lock()
		c.locks = locks
		c.mu.Unlock()
		c.forgetLostLocks()
		c.publishLocks()

	case types.EventLockAcquired:
		if msg.ResourceID == "" {
			return
		}
		c.mu.Lock()
		c.locks[msg.ResourceID] = msg.Lock()
		c.mu.Unlock()
		c.forgetLostLocks()
		c.publishLocks()

	case types.EventLockReleased:
		if msg.ResourceID == "" {
			return
		}
		c.mu.Lock()
		delete(c.locks, msg.ResourceID)
		c.mu.Unlock()
		c.heldMu.Lock()
		delete(c.held, msg.ResourceID)
		c.heldMu.Unlock()
		c.publishLocks()

	case types.EventSystemNotification, types.EventCodeNotification:
		if n, ok := msg.Notification(); ok {
			c.notificationTopic.Publish(n)
		}

	default:
		if c.options.DebugMode {
			c.logger.Debug("Channel: ignoring unknown event", "event", msg.Event)
		}
	}
}

// forgetLostLocks drops held entries the mirror assigns to someone else.
func (c *Channel) forgetLostLocks() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	for id, who := range c.held {
		if lock, ok := c.locks[id]; ok && lock.HolderID != who.ID {
			delete(c.held, id)
		}
	}
}

func (c *Channel) publishState(state types.ConnectionState) {
	if c.options.EnableMetrics {
		metrics.SetChannelState(int(state))
	}
	c.stateTopic.Publish(state)
}

func (c *Channel) publishLocks() {
	c.mu.RLock()
	snapshot := c.snapshotLocked()
	c.mu.RUnlock()
	if c.options.EnableMetrics {
		metrics.SetLocks(len(snapshot))
	}
	c.locksTopic.Publish(snapshot)
}

func (c *Channel) snapshotLocked() map[string]types.SectionLock {
	out := make(map[string]types.SectionLock, len(c.locks))
	for id, lock := range c.locks {
		out[id] = lock
	}
	return out
}

func (c *Channel) recordDial(ok bool) {
	if c.options.EnableMetrics {
		metrics.RecordDial(ok)
	}
}

func (c *Channel) reportError(err error) {
	if c.options.DebugMode {
		c.logger.Debug("Channel: error", "error", err)
	}
	if c.options.OnError != nil {
		c.options.OnError(err)
	}
}

// backoff doubles the delay from min up to max.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func (b *backoff) next() time.Duration {
	d := b.cur
	if d == 0 {
		d = b.min
	}
	b.cur = d * 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.cur = 0
}
