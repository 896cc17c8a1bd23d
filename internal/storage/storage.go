package storage

import (
	"careline/backend/internal/models"
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrRequestClaimed = errors.New("chat request already accepted or withdrawn")
	ErrAlreadyInChat  = errors.New("account already participates in a chat")
	ErrNotParticipant = errors.New("account is not a participant of the chat")
	ErrRoleMismatch   = errors.New("account role does not allow this operation")
	ErrChatEnded      = errors.New("chat has ended")
)

// Subscription is a standing live query. Cancel never blocks. A snapshot that was
// already being handed over when Cancel ran may still arrive, so consumers keep
// their own guard against late delivery.
type Subscription interface {
	Cancel()
}

// Storage is the realtime document store the chat engine runs on.
// Watch* callbacks receive the full current snapshot on every change; a missing
// document is delivered as nil.
type Storage interface {
	GetProfile(ctx context.Context, accountID string) (*models.UserProfile, error)
	SaveProfile(ctx context.Context, profile *models.UserProfile) error
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	GetChatRequest(ctx context.Context, userID string) (*models.ChatRequest, error)
	ListPendingRequests(ctx context.Context) ([]models.ChatRequest, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)

	// PutChatRequest writes the pending request keyed by userID, overwriting any previous one.
	PutChatRequest(ctx context.Context, userID string) (*models.ChatRequest, error)
	// AcceptRequest atomically claims the pending request, creates the chat and
	// points both profiles at it. Only one caller can win a given request.
	AcceptRequest(ctx context.Context, requesterID, doctorID string) (*models.Chat, error)
	// AppendMessage stores msg and fills in its id and timestamp.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// MarkChatEnded records the first termination signal. Later calls leave it untouched.
	MarkChatEnded(ctx context.Context, chatID, accountID string) (*models.Chat, error)
	// ClearChatRef clears accountID's chat_id only if it still points at chatID.
	ClearChatRef(ctx context.Context, accountID, chatID string) error
	// ReconcileDanglingChats clears chat references to chats that do not exist and
	// removes requests of accounts already in a chat. It returns the healed account ids.
	ReconcileDanglingChats(ctx context.Context) ([]string, error)

	WatchProfile(accountID string, fn func(*models.UserProfile, error)) Subscription
	WatchChat(chatID string, fn func(*models.Chat, error)) Subscription
	WatchMessages(chatID string, fn func([]models.Message, error)) Subscription
	WatchPendingRequests(fn func([]models.ChatRequest, error)) Subscription
	WatchChatRequest(userID string, fn func(*models.ChatRequest, error)) Subscription
}

// Presence is the live online flag per account.
type Presence interface {
	SetStatus(ctx context.Context, accountID string, state models.PresenceState) error
	GetStatus(ctx context.Context, accountID string) (*models.PresenceStatus, error)
	WatchStatus(accountID string, fn func(*models.PresenceStatus, error)) Subscription

	// Connect and Disconnect count live connections of accountID across every
	// process sharing the store. The first connection marks the account online
	// and the last disconnect marks it offline.
	Connect(ctx context.Context, accountID string) error
	Disconnect(ctx context.Context, accountID string) error
}

// OrNil turns ErrNotFound into a nil document, which is how watches report absence.
func OrNil[T any](v *T, err error) (*T, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}
