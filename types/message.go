package types

import (
	"encoding/json"
	"time"
)

// Event names a message on the coordination channel.
type Event string

// Events pushed by the remote authority.
const (
	EventPresenceCount      Event = "presence_count"
	EventLockTable          Event = "lock_table"
	EventLockAcquired       Event = "lock_acquired"
	EventLockReleased       Event = "lock_released"
	EventSystemNotification Event = "system_notification"
	EventCodeNotification   Event = "code_notification"
)

// Events sent by the client.
const (
	EventAcquireLock Event = "acquire_lock"
	EventReleaseLock Event = "release_lock"

	// EventResync asks the authority to resend presence and the full
	// lock table. Transports without a server-side connect hook send it
	// after every dial.
	EventResync Event = "resync"
)

// Message is the JSON frame exchanged over the coordination channel.
// Only the fields relevant to Event are populated.
type Message struct {
	Event      Event                  `json:"event"`
	ResourceID string                 `json:"resourceId,omitempty"`
	HolderID   string                 `json:"holderId,omitempty"`
	HolderName string                 `json:"holderName,omitempty"`
	AcquiredAt time.Time              `json:"acquiredAt,omitzero"`
	Count      int                    `json:"count,omitempty"`
	Locks      map[string]SectionLock `json:"locks,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Payload    json.RawMessage        `json:"payload,omitempty"`
}

// Lock builds the SectionLock carried by a lock_acquired message.
func (m Message) Lock() SectionLock {
	return SectionLock{
		ResourceID: m.ResourceID,
		HolderID:   m.HolderID,
		HolderName: m.HolderName,
		AcquiredAt: m.AcquiredAt,
	}
}

// Notification converts a notification message into a NotificationEvent.
// The second return is false for non-notification events.
func (m Message) Notification() (NotificationEvent, bool) {
	switch m.Event {
	case EventSystemNotification:
		return NotificationEvent{Kind: KindSystem, Message: m.Text}, true
	case EventCodeNotification:
		payload := &CodeAlertPayload{Raw: m.Payload}
		if len(m.Payload) > 0 {
			// A bare string payload is the resource id itself.
			if err := json.Unmarshal(m.Payload, payload); err != nil {
				var id string
				if json.Unmarshal(m.Payload, &id) == nil {
					payload.ResourceID = id
				}
			}
		}
		return NotificationEvent{Kind: KindCodeAlert, Message: m.Text, Payload: payload}, true
	default:
		return NotificationEvent{}, false
	}
}
