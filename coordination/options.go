package coordination

import (
	"errors"
	"fmt"
	"time"

	"github.com/huykn/livesite/logging"
	"github.com/huykn/livesite/types"
)

var (
	// ErrInvalidConfig is returned when options are invalid.
	ErrInvalidConfig = errors.New("invalid channel configuration")

	// ErrNotConnected is returned by lock requests while no connection is up.
	ErrNotConnected = errors.New("channel not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel closed")
)

// LockHeldError reports that another editor holds a section.
type LockHeldError struct {
	Lock types.SectionLock
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("%s is being edited by %s", e.Lock.ResourceID, e.Lock.HolderName)
}

// AsLockHeld returns the LockHeldError in err's chain.
func AsLockHeld(err error) (*LockHeldError, bool) {
	var le *LockHeldError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// Options configures a Channel.
type Options struct {
	Transport Transport

	// RestoredDisplay is how long Reconnected lasts before decaying to
	// Connected.
	RestoredDisplay time.Duration

	// ReconnectMin and ReconnectMax bound the delay between dials.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// MaxReconnectAttempts stops redialing after that many consecutive
	// failures. Zero means never stop.
	MaxReconnectAttempts int

	// WriteTimeout bounds outbound lock requests.
	WriteTimeout time.Duration

	// QueueSize is the capacity of the inbound event queue.
	QueueSize int

	Logger        logging.Logger
	DebugMode     bool
	EnableMetrics bool
	OnError       func(error)
}

// DefaultOptions returns default channel options.
func DefaultOptions() Options {
	return Options{
		RestoredDisplay:      2 * time.Second,
		ReconnectMin:         250 * time.Millisecond,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 10,
		WriteTimeout:         5 * time.Second,
		QueueSize:            64,
		EnableMetrics:        true,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Transport == nil {
		return ErrInvalidConfig
	}
	if o.RestoredDisplay <= 0 || o.WriteTimeout <= 0 {
		return ErrInvalidConfig
	}
	if o.ReconnectMin <= 0 || o.ReconnectMax < o.ReconnectMin {
		return ErrInvalidConfig
	}
	if o.MaxReconnectAttempts < 0 || o.QueueSize <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
