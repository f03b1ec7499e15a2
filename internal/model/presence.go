package model

import "time"

// PresenceStatus is a user's claimed availability.
type PresenceStatus string

const (
	Online  PresenceStatus = "online"
	Away    PresenceStatus = "away"
	Offline PresenceStatus = "offline"
)

// PresenceRecord is the stored presence of one user.
type PresenceRecord struct {
	Status        PresenceStatus
	LastSeen      time.Time
	LastHeartbeat time.Time
}

// Effective returns the status a reader should display at now. An online or
// away claim whose heartbeat is older than threshold reads as offline. The
// record itself is not modified.
func (r PresenceRecord) Effective(now time.Time, threshold time.Duration) PresenceStatus {
	switch r.Status {
	case Online, Away:
		if now.Sub(r.LastHeartbeat) > threshold {
			return Offline
		}
		return r.Status
	case Offline:
		return Offline
	}
	return Offline
}
