package chathub

import (
	"careline/backend/internal/storage"
	"context"
	"errors"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrWrongRole      = errors.New("operation not available for this role")
	ErrBusy           = errors.New("a request or chat is already in progress")
	ErrNoActiveChat   = errors.New("no active chat")
	ErrChatNotEnded   = errors.New("chat has not been ended yet")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message is too long")
	ErrMissingTarget  = errors.New("requester id is required")
)

// permanent reports whether retrying err cannot change the outcome.
func permanent(err error) bool {
	for _, target := range []error{
		context.Canceled,
		context.DeadlineExceeded,
		storage.ErrNotFound,
		storage.ErrRequestClaimed,
		storage.ErrAlreadyInChat,
		storage.ErrNotParticipant,
		storage.ErrRoleMismatch,
		storage.ErrChatEnded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ErrorCode is the stable identifier sent to clients in error frames.
func ErrorCode(err error) string {
	codes := []struct {
		err  error
		code string
	}{
		{ErrSessionClosed, "session_closed"},
		{ErrWrongRole, "wrong_role"},
		{ErrBusy, "busy"},
		{ErrNoActiveChat, "no_active_chat"},
		{ErrChatNotEnded, "chat_not_ended"},
		{ErrEmptyMessage, "empty_message"},
		{ErrMessageTooLong, "message_too_long"},
		{ErrMissingTarget, "missing_requester"},
		{ErrUnknownCommand, "unknown_command"},
		{ErrTooManyCommands, "too_many_commands"},
		{storage.ErrNotFound, "not_found"},
		{storage.ErrRequestClaimed, "request_claimed"},
		{storage.ErrAlreadyInChat, "already_in_chat"},
		{storage.ErrNotParticipant, "not_participant"},
		{storage.ErrRoleMismatch, "wrong_role"},
		{storage.ErrChatEnded, "chat_ended"},
		{context.DeadlineExceeded, "timeout"},
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
