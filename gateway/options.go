package gateway

import (
	"net/http"
	"time"

	"github.com/huykn/livesite/logging"
)

// MaxAttempts is the number of network attempts per logical request:
// the first try and exactly one retry.
const MaxAttempts = 2

// Options configures a Client.
type Options struct {
	// BaseURL is prefixed to every resource.
	BaseURL string

	// Timeout bounds each attempt. The attempt is abandoned when it fires.
	Timeout time.Duration

	// RetryWait is the pause before the single retry.
	RetryWait time.Duration

	// ProbePath is requested by CheckConnection.
	ProbePath string

	// AuthToken is sent as a bearer token when set.
	AuthToken string

	// Fallback serves requests once the gateway is in fallback mode.
	// Nil uses the embedded demo fixtures.
	Fallback FallbackSource

	// Schemas maps a resource path to a JSON Schema its 2xx responses
	// must satisfy.
	Schemas map[string]string

	// HTTPClient defaults to a client with pooled keep-alive connections.
	HTTPClient *http.Client

	// StartInFallback starts the session in fallback mode.
	StartInFallback bool

	// Logger defaults to a no-op logger.
	Logger logging.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// EnableMetrics publishes Prometheus counters.
	EnableMetrics bool

	// OnError is called for every failed attempt.
	OnError func(error)
}

// DefaultOptions returns default client options.
func DefaultOptions() Options {
	return Options{
		Timeout:       10 * time.Second,
		RetryWait:     250 * time.Millisecond,
		ProbePath:     "/health",
		EnableMetrics: true,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.BaseURL == "" {
		return ErrInvalidConfig
	}
	if o.Timeout <= 0 {
		return ErrInvalidConfig
	}
	if o.RetryWait < 0 {
		return ErrInvalidConfig
	}
	if o.ProbePath == "" {
		return ErrInvalidConfig
	}
	return nil
}
