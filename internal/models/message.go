package models

import (
	"sort"
	"time"
)

// Message is one append-only entry of a chat log.
type Message struct {
	// ID is assigned by the store in insertion order and breaks timestamp ties.
	ID uint `gorm:"primaryKey" json:"id"`
	// ChatID is the parent chat.
	ChatID string `gorm:"type:uuid;not null;index:idx_chat_ts" json:"chat_id"`
	// Index is the sender's message count at send time. Advisory only, not a sort key.
	Index int `gorm:"not null" json:"index"`
	// Text is the message body as typed.
	Text string `gorm:"type:text;not null" json:"text"`
	// SenderID is the account that wrote the message.
	SenderID string `gorm:"type:text;not null" json:"sender_id"`
	// Timestamp is assigned by the store when the message is written.
	Timestamp time.Time `gorm:"not null;default:now();index:idx_chat_ts" json:"timestamp"`
}

// SortMessages orders messages by store timestamp, then by store id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
