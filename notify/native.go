package notify

import (
	"context"

	"github.com/huykn/livesite/logging"
	"github.com/huykn/livesite/types"
)

// LogNotifier writes native notifications to a logger. Headless clients
// such as the CLI use it in place of an OS notification center.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNoOp(logger)}
}

// RequestPermission always grants.
func (n *LogNotifier) RequestPermission(ctx context.Context) (bool, error) {
	return true, ctx.Err()
}

// Notify logs the event.
func (n *LogNotifier) Notify(event types.NotificationEvent) error {
	args := []any{"kind", event.Kind}
	if event.Payload != nil && event.Payload.ResourceID != "" {
		args = append(args, "resource", event.Payload.ResourceID)
	}
	n.logger.Info(event.Message, args...)
	return nil
}
