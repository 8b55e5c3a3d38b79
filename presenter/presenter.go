// Package presenter turns connection state into what the UI should show.
package presenter

import (
	"context"
	"sync"

	"github.com/huykn/livesite/broadcast"
	"github.com/huykn/livesite/logging"
	"github.com/huykn/livesite/types"
)

// Directive is a display instruction for the connection banner.
type Directive int

const (
	// Hidden shows nothing.
	Hidden Directive = iota
	// Blocking is a full-screen interruption that stays until the state changes.
	Blocking
	// Affirmation is the full-screen "connection restored" notice.
	Affirmation
)

func (d Directive) String() string {
	switch d {
	case Hidden:
		return "hidden"
	case Blocking:
		return "blocking"
	case Affirmation:
		return "affirmation"
	default:
		return "unknown"
	}
}

// DirectiveFor maps a connection state to its directive.
func DirectiveFor(state types.ConnectionState) Directive {
	switch state {
	case types.StateDisconnected:
		return Blocking
	case types.StateReconnected:
		return Affirmation
	default:
		return Hidden
	}
}

// Presenter tracks the directive for a session. It keeps no timers: the
// affirmation ends when the channel's Reconnected state decays.
type Presenter struct {
	logger logging.Logger

	mu            sync.RWMutex
	current       Directive
	seenConnected bool

	topic *broadcast.Topic[Directive]
}

// New creates a presenter showing nothing.
func New(logger logging.Logger) *Presenter {
	return &Presenter{
		logger: logging.OrNoOp(logger),
		topic:  broadcast.NewTopic[Directive](0),
	}
}

// Observe applies a state change and returns the resulting directive. A
// Disconnected seen before any Connected never blocks the screen.
func (p *Presenter) Observe(state types.ConnectionState) Directive {
	p.mu.Lock()
	if state == types.StateConnected || state == types.StateReconnected {
		p.seenConnected = true
	}
	d := DirectiveFor(state)
	if d == Blocking && !p.seenConnected {
		d = Hidden
	}
	changed := d != p.current
	p.current = d
	p.mu.Unlock()

	if changed {
		p.logger.Debug("connection banner changed", "state", state, "directive", d)
		p.topic.Publish(d)
	}
	return d
}

// Current returns the directive on screen.
func (p *Presenter) Current() Directive {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe delivers directive changes.
func (p *Presenter) Subscribe() (<-chan Directive, func()) {
	return p.topic.Subscribe()
}

// Run observes states until ctx is done or states is closed.
func (p *Presenter) Run(ctx context.Context, states <-chan types.ConnectionState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state, ok := <-states:
			if !ok {
				return nil
			}
			p.Observe(state)
		}
	}
}

// Close stops delivering directive changes.
func (p *Presenter) Close() {
	p.topic.Close()
}
