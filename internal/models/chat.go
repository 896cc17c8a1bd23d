package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Chat is the permanent record of one support conversation between a user and a doctor.
// Chats are never deleted; EndedBy/EndedAt are written once when either side ends it.
type Chat struct {
	// ID is the unique identifier for the chat (UUID).
	ID string `gorm:"primaryKey;type:uuid" json:"id"`
	// UserID is the account that submitted the request.
	UserID string `gorm:"type:text;not null;index" json:"user_id"`
	// DoctorID is the account that accepted it.
	DoctorID string `gorm:"type:text;not null;index" json:"doctor_id"`
	// CreatedAt is the moment the request was accepted.
	CreatedAt time.Time `json:"created_at"`
	// EndedBy is the participant who ended the chat first.
	EndedBy *string `gorm:"type:text" json:"ended_by,omitempty"`
	// EndedAt is when EndedBy was recorded.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// BeforeCreate is a GORM hook that assigns a new UUID when the chat has none yet.
func (c *Chat) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return
}

// Ended reports whether a termination signal has been recorded.
func (c *Chat) Ended() bool {
	return c != nil && c.EndedBy != nil
}

// IsParticipant reports whether accountID is the user or the doctor of the chat.
func (c *Chat) IsParticipant(accountID string) bool {
	return c != nil && accountID != "" && (c.UserID == accountID || c.DoctorID == accountID)
}

// Peer returns the other participant, or "" if accountID is not part of the chat.
func (c *Chat) Peer(accountID string) string {
	switch {
	case c == nil:
		return ""
	case c.UserID == accountID:
		return c.DoctorID
	case c.DoctorID == accountID:
		return c.UserID
	}
	return ""
}
