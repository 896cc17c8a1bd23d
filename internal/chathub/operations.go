package chathub

import (
	"careline/backend/internal/config"
	"careline/backend/internal/models"
	"careline/backend/internal/storage"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// action is the store write an operation decided on, plus how to undo the
// optimistic local change if the write fails for good.
type action struct {
	write    func(ctx context.Context) error
	rollback func()
}

// run checks preconditions on the loop via plan, then performs the write on
// the caller's goroutine.
func (s *Session) run(ctx context.Context, op string, plan func() (*action, error)) error {
	var (
		a       *action
		planErr error
	)
	if err := s.exec(ctx, func() { a, planErr = plan() }); err != nil {
		return err
	}
	if planErr != nil || a == nil {
		return planErr
	}
	if err := s.retrier.Do(ctx, a.write); err != nil {
		s.log.Warn("operation failed", zap.String("op", op), zap.Error(err))
		if a.rollback != nil {
			_ = s.exec(context.Background(), a.rollback)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SubmitRequest asks for a doctor. The view switches to requesting at once;
// a repeated call while the request is pending does nothing.
func (s *Session) SubmitRequest(ctx context.Context) error {
	self := s.identity.AccountID
	return s.run(ctx, "submit_request", func() (*action, error) {
		if s.role() != models.RoleUser {
			return nil, ErrWrongRole
		}
		switch s.state.(type) {
		case Idle:
		case Requesting:
			return nil, nil
		default:
			return nil, ErrBusy
		}
		s.optimistic = true
		s.refresh()
		return &action{
			write: func(ctx context.Context) error {
				_, err := s.store.PutChatRequest(ctx, self)
				return err
			},
			rollback: func() {
				s.optimistic = false
				s.refresh()
			},
		}, nil
	})
}

// AcceptRequest opens a chat with the user who filed requesterID's request.
// When another doctor got there first it fails with storage.ErrRequestClaimed.
func (s *Session) AcceptRequest(ctx context.Context, requesterID string) error {
	self := s.identity.AccountID
	return s.run(ctx, "accept_request", func() (*action, error) {
		if s.role() != models.RoleDoctor {
			return nil, ErrWrongRole
		}
		if requesterID == "" {
			return nil, ErrMissingTarget
		}
		if s.chatRef() != "" || s.chat != nil {
			return nil, ErrBusy
		}
		return &action{write: func(ctx context.Context) error {
			chat, err := s.store.AcceptRequest(ctx, requesterID, self)
			if err == nil {
				s.log.Info("chat opened", zap.String("chat_id", chat.ID), zap.String("user_id", requesterID))
			}
			return err
		}}, nil
	})
}

// SendMessage appends text to the active chat. The message shows up once the
// store echoes it back through the messages subscription.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > config.MaxMessageLength {
		return ErrMessageTooLong
	}
	self := s.identity.AccountID
	return s.run(ctx, "send_message", func() (*action, error) {
		var st Active
		switch cur := s.state.(type) {
		case Active:
			st = cur
		case Ending:
			return nil, storage.ErrChatEnded
		default:
			return nil, ErrNoActiveChat
		}
		idx := len(st.Messages)
		if s.sentChat == st.Chat.ID && s.nextIndex > idx {
			idx = s.nextIndex
		}
		s.sentChat, s.nextIndex = st.Chat.ID, idx+1
		msg := models.Message{
			ChatID:   st.Chat.ID,
			Index:    idx,
			Text:     text,
			SenderID: self,
		}
		return &action{write: func(ctx context.Context) error {
			m := msg
			return s.store.AppendMessage(ctx, &m)
		}}, nil
	})
}

// EndBy records that this participant ended the chat. Only the first call
// from either side is stored.
func (s *Session) EndBy(ctx context.Context) error {
	self := s.identity.AccountID
	return s.run(ctx, "end_by", func() (*action, error) {
		var chatID string
		switch cur := s.state.(type) {
		case Active:
			chatID = cur.Chat.ID
		case Ending:
			return nil, nil
		default:
			return nil, ErrNoActiveChat
		}
		return &action{write: func(ctx context.Context) error {
			_, err := s.store.MarkChatEnded(ctx, chatID, self)
			return err
		}}, nil
	})
}

// EndChat acknowledges an ended chat and drops it from this viewer only. The
// peer keeps seeing it until they acknowledge too.
func (s *Session) EndChat(ctx context.Context) error {
	self := s.identity.AccountID
	return s.run(ctx, "end_chat", func() (*action, error) {
		var chatID string
		switch cur := s.state.(type) {
		case Ending:
			chatID = cur.Chat.ID
		case Active:
			return nil, ErrChatNotEnded
		default:
			return nil, ErrNoActiveChat
		}
		s.acked = chatID
		s.refresh()
		return &action{
			write: func(ctx context.Context) error {
				return s.store.ClearChatRef(ctx, self, chatID)
			},
			// the profile still references the chat, so show it again
			rollback: func() {
				if s.acked == chatID {
					s.acked = ""
				}
				s.refresh()
			},
		}, nil
	})
}
