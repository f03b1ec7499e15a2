package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Payload types live with the packages that publish them.
const (
	ConnectivityChanged     = "connectivity.changed"
	ConnectivityReconnected = "connectivity.reconnected"

	MessageChanged  = "message.changed"
	MessageStatus   = "message.status"
	MessageReceived = "message.received"

	AttachmentState = "attachment.state"
	PresenceChanged = "presence.changed"
	CacheDegraded   = "cache.degraded"
	CacheRecovered  = "cache.recovered"

	DaemonStatusChanged = "daemon.status_changed"
)
