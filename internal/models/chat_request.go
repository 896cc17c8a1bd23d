package models

import "time"

type RequestStatus string

const RequestPending RequestStatus = "pending"

// ChatRequest is a user's solicitation for a doctor. It is keyed by the requester,
// so a user has at most one outstanding request.
type ChatRequest struct {
	UserID    string        `gorm:"primaryKey" json:"user_id"`
	Status    RequestStatus `gorm:"type:text;not null;index" json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Pending reports whether the request exists and is still waiting for a doctor.
func (r *ChatRequest) Pending() bool {
	return r != nil && r.Status == RequestPending
}
