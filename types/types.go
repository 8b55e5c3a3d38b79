package types

import (
	"encoding/json"
	"time"
)

// ConnectionState is the client's view of the coordination channel.
type ConnectionState int

const (
	// StateInitial is the state before any handshake has completed.
	StateInitial ConnectionState = iota
	// StateConnected is the steady state after a successful handshake.
	StateConnected
	// StateDisconnected is only reachable from a connected channel.
	StateDisconnected
	// StateReconnected is transient and decays to StateConnected.
	StateReconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// GatewayMode selects where the gateway serves requests from.
type GatewayMode int

const (
	ModeLive GatewayMode = iota
	ModeFallback
)

func (m GatewayMode) String() string {
	if m == ModeFallback {
		return "fallback"
	}
	return "live"
}

// Holder identifies an editor.
type Holder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SectionLock is the mirror of one advisory lock held on the remote authority.
type SectionLock struct {
	ResourceID string    `json:"resourceId"`
	HolderID   string    `json:"holderId"`
	HolderName string    `json:"holderName"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// NotificationKind tags a NotificationEvent.
type NotificationKind string

const (
	KindSystem    NotificationKind = "system"
	KindCodeAlert NotificationKind = "code"
)

// CodeAlertPayload carries the deep-link target of a code alert.
type CodeAlertPayload struct {
	ResourceID string          `json:"resourceId"`
	Raw        json.RawMessage `json:"-"`
}

// NotificationEvent is a push notification. Payload is set only for code alerts.
type NotificationEvent struct {
	Kind    NotificationKind  `json:"kind"`
	Message string            `json:"message"`
	Payload *CodeAlertPayload `json:"payload,omitempty"`
}

// Same reports whether two events would render identically.
func (e NotificationEvent) Same(other NotificationEvent) bool {
	if e.Kind != other.Kind || e.Message != other.Message {
		return false
	}
	if e.Payload == nil || other.Payload == nil {
		return e.Payload == nil && other.Payload == nil
	}
	return e.Payload.ResourceID == other.Payload.ResourceID
}
