// Package memstore is an in-process realtime document store with the same
// semantics as storage.Service: full-snapshot watches, atomic acceptance and
// store-assigned timestamps. It backs tests and single-instance dev runs.
package memstore

import (
	"careline/backend/internal/models"
	"careline/backend/internal/storage"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type waker interface {
	Wake()
}

// Store implements storage.Storage and storage.Presence in memory.
type Store struct {
	mu        sync.RWMutex
	profiles  map[string]models.UserProfile
	requests  map[string]models.ChatRequest
	chats     map[string]models.Chat
	messages  map[string][]models.Message
	presence  map[string]models.PresenceStatus
	conns     map[string]int
	nextMsgID uint
	lastTS    time.Time
	now       func() time.Time
	faults    map[string][]error

	subsMu sync.Mutex
	subs   map[string]map[waker]struct{}
}

var (
	_ storage.Storage  = (*Store)(nil)
	_ storage.Presence = (*Store)(nil)
)

func New() *Store {
	return &Store{
		profiles: make(map[string]models.UserProfile),
		requests: make(map[string]models.ChatRequest),
		chats:    make(map[string]models.Chat),
		messages: make(map[string][]models.Message),
		presence: make(map[string]models.PresenceStatus),
		conns:    make(map[string]int),
		now:      time.Now,
		faults:   make(map[string][]error),
		subs:     make(map[string]map[waker]struct{}),
	}
}

// SetClock replaces the time source. Timestamps stay non-decreasing regardless.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// FailNext makes the next len(errs) calls of op (a method name such as
// "AcceptRequest") return those errors before touching any data.
func (s *Store) FailNext(op string, errs ...error) {
	s.mu.Lock()
	s.faults[op] = append(s.faults[op], errs...)
	s.mu.Unlock()
}

// fault must be called with mu held for writing.
func (s *Store) fault(op string) error {
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	s.faults[op] = queue[1:]
	return queue[0]
}

// stamp must be called with mu held for writing.
func (s *Store) stamp() time.Time {
	ts := s.now().UTC()
	if ts.Before(s.lastTS) {
		ts = s.lastTS
	}
	s.lastTS = ts
	return ts
}

func (s *Store) notify(channels ...string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range channels {
		for w := range s.subs[ch] {
			w.Wake()
		}
	}
}

func (s *Store) subscribe(channel string, w waker) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	set, ok := s.subs[channel]
	if !ok {
		set = make(map[waker]struct{})
		s.subs[channel] = set
	}
	set[w] = struct{}{}
}

func (s *Store) unsubscribe(channel string, w waker) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs[channel], w)
	if len(s.subs[channel]) == 0 {
		delete(s.subs, channel)
	}
}

// Subscribers returns the number of live watches on a change channel.
func (s *Store) Subscribers(channel string) int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs[channel])
}

type subscription struct {
	cancel func()
	once   sync.Once
}

func (s *subscription) Cancel() { s.once.Do(s.cancel) }

func watch[T any](s *Store, channel string, load func(ctx context.Context) (T, error), fn func(T, error)) storage.Subscription {
	f := storage.NewFeed(load, fn)
	s.subscribe(channel, f)
	f.Start()
	return &subscription{cancel: func() {
		f.Cancel()
		s.unsubscribe(channel, f)
	}}
}

func (s *Store) GetProfile(ctx context.Context, accountID string) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[accountID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (s *Store) SaveProfile(ctx context.Context, profile *models.UserProfile) error {
	if !profile.Role.Valid() {
		return fmt.Errorf("%w: %q", storage.ErrRoleMismatch, profile.Role)
	}
	s.mu.Lock()
	if err := s.fault("SaveProfile"); err != nil {
		s.mu.Unlock()
		return err
	}
	p := s.profiles[profile.ID]
	p.ID = profile.ID
	p.Role = profile.Role
	p.Name = profile.Name
	p.UpdatedAt = s.stamp()
	s.profiles[p.ID] = p
	s.mu.Unlock()

	s.notify(storage.ProfileChannel(profile.ID))
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetChatRequest(ctx context.Context, userID string) (*models.ChatRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]models.ChatRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reqs := make([]models.ChatRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if r.Status == models.RequestPending {
			reqs = append(reqs, r)
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].UserID < reqs[j].UserID
	})
	return reqs, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := append([]models.Message(nil), s.messages[chatID]...)
	models.SortMessages(msgs)
	return msgs, nil
}

func (s *Store) PutChatRequest(ctx context.Context, userID string) (*models.ChatRequest, error) {
	s.mu.Lock()
	if err := s.fault("PutChatRequest"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	p, ok := s.profiles[userID]
	switch {
	case !ok:
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	case p.Role != models.RoleUser:
		s.mu.Unlock()
		return nil, storage.ErrRoleMismatch
	case p.ChatID != nil:
		s.mu.Unlock()
		return nil, storage.ErrAlreadyInChat
	}
	req, exists := s.requests[userID]
	if !exists {
		req = models.ChatRequest{UserID: userID, CreatedAt: s.stamp()}
	}
	req.Status = models.RequestPending
	s.requests[userID] = req
	s.mu.Unlock()

	s.notify(storage.RequestChannel(userID), storage.PendingRequestsChannel)
	return &req, nil
}

func (s *Store) AcceptRequest(ctx context.Context, requesterID, doctorID string) (*models.Chat, error) {
	if requesterID == doctorID {
		return nil, storage.ErrRoleMismatch
	}
	s.mu.Lock()
	if err := s.fault("AcceptRequest"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	chat, err := s.acceptLocked(requesterID, doctorID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notify(
		storage.RequestChannel(requesterID),
		storage.PendingRequestsChannel,
		storage.ProfileChannel(requesterID),
		storage.ProfileChannel(doctorID),
	)
	return chat, nil
}

func (s *Store) acceptLocked(requesterID, doctorID string) (*models.Chat, error) {
	req, ok := s.requests[requesterID]
	if !ok || req.Status != models.RequestPending {
		return nil, storage.ErrRequestClaimed
	}
	user, okUser := s.profiles[requesterID]
	doctor, okDoctor := s.profiles[doctorID]
	if !okUser || !okDoctor {
		return nil, storage.ErrNotFound
	}
	if user.Role != models.RoleUser || doctor.Role != models.RoleDoctor {
		return nil, storage.ErrRoleMismatch
	}
	if user.ChatID != nil || doctor.ChatID != nil {
		return nil, storage.ErrAlreadyInChat
	}

	chat := models.Chat{
		ID:        uuid.New().String(),
		UserID:    requesterID,
		DoctorID:  doctorID,
		CreatedAt: s.stamp(),
	}
	s.chats[chat.ID] = chat
	delete(s.requests, requesterID)
	ref := chat.ID
	user.ChatID, doctor.ChatID = &ref, &ref
	s.profiles[requesterID], s.profiles[doctorID] = user, doctor
	return &chat, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	if err := s.fault("AppendMessage"); err != nil {
		s.mu.Unlock()
		return err
	}
	c, ok := s.chats[msg.ChatID]
	switch {
	case !ok:
		s.mu.Unlock()
		return storage.ErrNotFound
	case !c.IsParticipant(msg.SenderID):
		s.mu.Unlock()
		return storage.ErrNotParticipant
	case c.Ended():
		s.mu.Unlock()
		return storage.ErrChatEnded
	}
	s.nextMsgID++
	msg.ID = s.nextMsgID
	msg.Timestamp = s.stamp()
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], *msg)
	s.mu.Unlock()

	s.notify(storage.MessagesChannel(msg.ChatID))
	return nil
}

func (s *Store) MarkChatEnded(ctx context.Context, chatID, accountID string) (*models.Chat, error) {
	s.mu.Lock()
	if err := s.fault("MarkChatEnded"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	c, ok := s.chats[chatID]
	switch {
	case !ok:
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	case !c.IsParticipant(accountID):
		s.mu.Unlock()
		return nil, storage.ErrNotParticipant
	case c.Ended():
		s.mu.Unlock()
		return &c, nil
	}
	who, at := accountID, s.stamp()
	c.EndedBy, c.EndedAt = &who, &at
	s.chats[chatID] = c
	s.mu.Unlock()

	s.notify(storage.ChatChannel(chatID))
	return &c, nil
}

func (s *Store) ClearChatRef(ctx context.Context, accountID, chatID string) error {
	s.mu.Lock()
	if err := s.fault("ClearChatRef"); err != nil {
		s.mu.Unlock()
		return err
	}
	p, ok := s.profiles[accountID]
	if !ok || p.ActiveChatID() != chatID {
		s.mu.Unlock()
		return nil
	}
	p.ChatID = nil
	p.UpdatedAt = s.stamp()
	s.profiles[accountID] = p
	s.mu.Unlock()

	s.notify(storage.ProfileChannel(accountID))
	return nil
}

func (s *Store) ReconcileDanglingChats(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	var healed, stale []string
	for id, p := range s.profiles {
		if p.ChatID == nil {
			continue
		}
		if _, ok := s.chats[*p.ChatID]; !ok {
			p.ChatID = nil
			s.profiles[id] = p
			healed = append(healed, id)
		}
	}
	for id := range s.requests {
		if p, ok := s.profiles[id]; ok && p.ChatID != nil {
			delete(s.requests, id)
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(healed)
	for _, id := range healed {
		s.notify(storage.ProfileChannel(id))
	}
	for _, id := range stale {
		s.notify(storage.RequestChannel(id))
	}
	if len(stale) > 0 {
		s.notify(storage.PendingRequestsChannel)
	}
	return healed, nil
}

// SetChatRef points a profile at chatID without any checks. It exists to
// reproduce inconsistent data left behind by older clients.
func (s *Store) SetChatRef(accountID, chatID string) {
	s.mu.Lock()
	p := s.profiles[accountID]
	p.ID = accountID
	ref := chatID
	p.ChatID = &ref
	s.profiles[accountID] = p
	s.mu.Unlock()
	s.notify(storage.ProfileChannel(accountID))
}

func (s *Store) WatchProfile(accountID string, fn func(*models.UserProfile, error)) storage.Subscription {
	return watch(s, storage.ProfileChannel(accountID), func(ctx context.Context) (*models.UserProfile, error) {
		return storage.OrNil(s.GetProfile(ctx, accountID))
	}, fn)
}

func (s *Store) WatchChat(chatID string, fn func(*models.Chat, error)) storage.Subscription {
	return watch(s, storage.ChatChannel(chatID), func(ctx context.Context) (*models.Chat, error) {
		return storage.OrNil(s.GetChat(ctx, chatID))
	}, fn)
}

func (s *Store) WatchMessages(chatID string, fn func([]models.Message, error)) storage.Subscription {
	return watch(s, storage.MessagesChannel(chatID), func(ctx context.Context) ([]models.Message, error) {
		return s.ListMessages(ctx, chatID)
	}, fn)
}

func (s *Store) WatchPendingRequests(fn func([]models.ChatRequest, error)) storage.Subscription {
	return watch(s, storage.PendingRequestsChannel, s.ListPendingRequests, fn)
}

func (s *Store) WatchChatRequest(userID string, fn func(*models.ChatRequest, error)) storage.Subscription {
	return watch(s, storage.RequestChannel(userID), func(ctx context.Context) (*models.ChatRequest, error) {
		return storage.OrNil(s.GetChatRequest(ctx, userID))
	}, fn)
}

func (s *Store) SetStatus(ctx context.Context, accountID string, state models.PresenceState) error {
	s.mu.Lock()
	if err := s.fault("SetStatus"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.presence[accountID] = models.PresenceStatus{AccountID: accountID, State: state, LastChanged: s.stamp()}
	s.mu.Unlock()

	s.notify(storage.PresenceChannel(accountID))
	return nil
}

func (s *Store) Connect(ctx context.Context, accountID string) error {
	return s.adjustConns("Connect", accountID, 1)
}

func (s *Store) Disconnect(ctx context.Context, accountID string) error {
	return s.adjustConns("Disconnect", accountID, -1)
}

func (s *Store) adjustConns(op, accountID string, delta int) error {
	s.mu.Lock()
	if err := s.fault(op); err != nil {
		s.mu.Unlock()
		return err
	}
	n := max(s.conns[accountID]+delta, 0)
	s.conns[accountID] = n
	state := models.PresenceOffline
	if n > 0 {
		state = models.PresenceOnline
	}
	if s.presence[accountID].State == state {
		s.mu.Unlock()
		return nil
	}
	s.presence[accountID] = models.PresenceStatus{AccountID: accountID, State: state, LastChanged: s.stamp()}
	s.mu.Unlock()

	s.notify(storage.PresenceChannel(accountID))
	return nil
}

// Connections is the live connection count recorded for accountID.
func (s *Store) Connections(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[accountID]
}

func (s *Store) GetStatus(ctx context.Context, accountID string) (*models.PresenceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.presence[accountID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *Store) WatchStatus(accountID string, fn func(*models.PresenceStatus, error)) storage.Subscription {
	return watch(s, storage.PresenceChannel(accountID), func(ctx context.Context) (*models.PresenceStatus, error) {
		return s.GetStatus(ctx, accountID)
	}, fn)
}
