package livesite

import (
	"github.com/huykn/livesite/cache"
	"github.com/huykn/livesite/gateway"
	"github.com/huykn/livesite/logging"
	"github.com/huykn/livesite/types"
)

// Logger is an alias for logging.Logger.
type Logger = logging.Logger

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// ConnectionState is an alias for types.ConnectionState.
type ConnectionState = types.ConnectionState

// GatewayMode is an alias for types.GatewayMode.
type GatewayMode = types.GatewayMode

// SectionLock is an alias for types.SectionLock.
type SectionLock = types.SectionLock

// Holder is an alias for types.Holder.
type Holder = types.Holder

// NotificationEvent is an alias for types.NotificationEvent.
type NotificationEvent = types.NotificationEvent

// RequestOptions is an alias for gateway.RequestOptions.
type RequestOptions = gateway.RequestOptions

// UnauthorizedEvent is an alias for gateway.UnauthorizedEvent.
type UnauthorizedEvent = gateway.UnauthorizedEvent

// DefaultLocalCacheConfig returns the default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}
