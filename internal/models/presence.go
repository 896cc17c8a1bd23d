package models

import "time"

type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// PresenceStatus is the live online flag of one account.
type PresenceStatus struct {
	AccountID   string        `json:"account_id"`
	State       PresenceState `json:"state"`
	LastChanged time.Time     `json:"last_changed"`
}

// Online is nil-safe: an account with no status record is offline.
func (p *PresenceStatus) Online() bool {
	return p != nil && p.State == PresenceOnline
}
