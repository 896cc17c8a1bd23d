package models

import "time"

// Role is the kind of account taking part in a support chat.
type Role string

const (
	RoleUser   Role = "user"
	RoleDoctor Role = "doctor"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleDoctor
}

// UserProfile mirrors the profile document of one account.
// ChatID is a back-reference to the chat the account currently participates in.
type UserProfile struct {
	// ID is the account id issued by the identity service.
	ID string `gorm:"primaryKey" json:"id"`
	// Role decides which side of the request/accept handshake the account plays.
	Role Role `gorm:"type:text;not null" json:"role"`
	// Name is the display name.
	Name string `gorm:"type:text" json:"name"`
	// ChatID is set when a request is accepted and cleared by the owner's own acknowledgment.
	ChatID *string `gorm:"type:uuid;index" json:"chat_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveChatID returns the referenced chat id or "" when there is none.
func (p *UserProfile) ActiveChatID() string {
	if p == nil || p.ChatID == nil {
		return ""
	}
	return *p.ChatID
}
