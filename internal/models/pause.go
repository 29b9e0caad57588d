package models

import "time"

// Pause reasons.
const (
	PauseHumanHandoff = "human_handoff"
	PauseManual       = "manual"
)

// PauseRecord suppresses automated handling for a sender until expiry.
type PauseRecord struct {
	Sender    string
	ExpiresAt time.Time
	Reason    string
}

// Active reports whether the pause still applies at the given instant.
func (p *PauseRecord) Active(now time.Time) bool {
	return now.Before(p.ExpiresAt)
}
