// Package notify decides how pushed notifications reach the user: one
// in-page notification at a time, plus an OS-level alert when the page is
// not focused.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/huykn/livesite/broadcast"
	"github.com/huykn/livesite/logging"
	"github.com/huykn/livesite/metrics"
	"github.com/huykn/livesite/types"
)

// NativeNotifier shows OS-level notifications.
type NativeNotifier interface {
	// RequestPermission asks the user once whether native alerts may be shown.
	RequestPermission(ctx context.Context) (bool, error)
	Notify(event types.NotificationEvent) error
}

// Focus reports whether the host page is focused and visible.
type Focus interface {
	Focused() bool
}

// FocusFunc adapts a function to Focus.
type FocusFunc func() bool

// Focused implements Focus.
func (f FocusFunc) Focused() bool { return f() }

// Display is what the in-page notification area shows. Visible is false
// once the notification is acted on or dismissed.
type Display struct {
	Visible bool
	Event   types.NotificationEvent
}

// Options configures a Router.
type Options struct {
	// Native is optional. Without it only in-page notifications are shown.
	Native NativeNotifier

	// Focus defaults to always focused.
	Focus Focus

	// Route opens the resource a code alert points to.
	Route func(resourceID string)

	Logger        logging.Logger
	DebugMode     bool
	EnableMetrics bool
	OnError       func(error)
}

// Router holds the single visible notification.
type Router struct {
	options Options
	logger  logging.Logger

	mu      sync.Mutex
	current *types.NotificationEvent

	permitted int32
	started   int32

	topic *broadcast.Topic[Display]
}

// New creates a router.
func New(opts Options) *Router {
	if opts.Focus == nil {
		opts.Focus = FocusFunc(func() bool { return true })
	}
	return &Router{
		options: opts,
		logger:  logging.OrNoOp(opts.Logger),
		topic:   broadcast.NewTopic[Display](0),
	}
}

// Start makes the one best-effort permission request. Later calls do
// nothing.
func (r *Router) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) || r.options.Native == nil {
		return
	}
	granted, err := r.options.Native.RequestPermission(ctx)
	if err != nil {
		r.logger.Warn("native notification permission request failed", "error", err)
		r.reportError(err)
		return
	}
	if granted {
		atomic.StoreInt32(&r.permitted, 1)
	}
	r.logger.Info("native notification permission", "granted", granted)
}

// Permitted reports whether native alerts were allowed.
func (r *Router) Permitted() bool {
	return atomic.LoadInt32(&r.permitted) == 1
}

// OnSystemMessage shows a system notification.
func (r *Router) OnSystemMessage(text string) bool {
	return r.Handle(types.NotificationEvent{Kind: types.KindSystem, Message: text})
}

// OnCodeAlert shows a code alert that links to payload.ResourceID.
func (r *Router) OnCodeAlert(text string, payload types.CodeAlertPayload) bool {
	return r.Handle(types.NotificationEvent{Kind: types.KindCodeAlert, Message: text, Payload: &payload})
}

// Handle replaces the visible notification with ev. It returns false when
// ev is identical to the one already visible.
func (r *Router) Handle(ev types.NotificationEvent) bool {
	r.mu.Lock()
	if r.current != nil && r.current.Same(ev) {
		r.mu.Unlock()
		if r.options.DebugMode {
			r.logger.Debug("Notify: duplicate dropped", "kind", ev.Kind, "message", ev.Message)
		}
		r.record(ev.Kind, "duplicate")
		return false
	}
	shown := ev
	r.current = &shown
	// Publish never blocks, so holding mu keeps displays in the order
	// current changed.
	r.topic.Publish(Display{Visible: true, Event: ev})
	r.mu.Unlock()

	if r.options.Native != nil && r.Permitted() && !r.options.Focus.Focused() {
		if err := r.options.Native.Notify(ev); err != nil {
			r.logger.Warn("native notification failed", "error", err)
			r.reportError(err)
		} else {
			r.record(ev.Kind, "native")
		}
	}
	r.record(ev.Kind, "inline")
	return true
}

// Act handles a click on the visible notification. A code alert routes
// to its resource before being cleared. The routed resource id is
// returned when there was one.
func (r *Router) Act() (string, bool) {
	ev, ok := r.clear()
	if !ok {
		return "", false
	}
	if ev.Kind != types.KindCodeAlert || ev.Payload == nil || ev.Payload.ResourceID == "" {
		return "", false
	}
	if r.options.Route != nil {
		r.options.Route(ev.Payload.ResourceID)
	}
	return ev.Payload.ResourceID, true
}

// Dismiss clears the visible notification without routing.
func (r *Router) Dismiss() {
	r.clear()
}

// Current returns the visible notification.
func (r *Router) Current() (types.NotificationEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return types.NotificationEvent{}, false
	}
	return *r.current, true
}

// Subscribe delivers display changes.
func (r *Router) Subscribe() (<-chan Display, func()) {
	return r.topic.Subscribe()
}

// Run handles events until ctx is done or events is closed.
func (r *Router) Run(ctx context.Context, events <-chan types.NotificationEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Handle(ev)
		}
	}
}

// Close stops delivering display changes.
func (r *Router) Close() {
	r.topic.Close()
}

func (r *Router) clear() (types.NotificationEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.current
	if cur == nil {
		return types.NotificationEvent{}, false
	}
	r.current = nil
	r.topic.Publish(Display{Visible: false, Event: *cur})
	return *cur, true
}

func (r *Router) record(kind types.NotificationKind, delivery string) {
	if r.options.EnableMetrics {
		metrics.RecordNotification(string(kind), delivery)
	}
}

func (r *Router) reportError(err error) {
	if r.options.OnError != nil {
		r.options.OnError(err)
	}
}
