package chathub

import (
	"careline/backend/internal/auth"
	"careline/backend/internal/models"
	"careline/backend/internal/storage"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const eventBuffer = 64

// slot is one standing subscription owned by the session loop. Every re-key
// bumps gen so that snapshots from the previous subscription are dropped.
type slot struct {
	name string
	key  string
	gen  uint64
	sub  storage.Subscription
}

func (sl *slot) reset() {
	if sl.sub != nil {
		sl.sub.Cancel()
	}
	sl.sub = nil
	sl.key = ""
	sl.gen++
}

type update struct {
	slot  *slot
	gen   uint64
	err   error
	apply func()
}

type command struct {
	fn func()
}

// Session is the chat coordination engine for one signed-in account. All of
// its state lives on a single loop goroutine; subscription callbacks and
// operations only post work to it.
type Session struct {
	identity auth.Identity
	store    storage.Storage
	presence storage.Presence
	retrier  Retrier
	log      *zap.Logger

	events chan any
	views  chan View
	stop   chan struct{}
	done   chan struct{}
	start  sync.Once
	once   sync.Once

	// loop-owned
	profile    *models.UserProfile
	chat       *models.Chat
	messages   []models.Message
	online     bool
	requests   []models.ChatRequest
	ownRequest *models.ChatRequest
	optimistic bool
	acked      string
	sentChat   string
	nextIndex  int
	healing    string
	streamErr  string
	state      State
	view       View

	profileSlot  slot
	chatSlot     slot
	messagesSlot slot
	presenceSlot slot
	requestsSlot slot
	ownReqSlot   slot
}

type Option func(*Session)

// WithRetrier replaces the default store write retry policy.
func WithRetrier(r Retrier) Option {
	return func(s *Session) { s.retrier = r }
}

// NewSession Constructor
func NewSession(id auth.Identity, store storage.Storage, presence storage.Presence, log *zap.Logger, opts ...Option) *Session {
	s := &Session{
		identity:     id,
		store:        store,
		presence:     presence,
		retrier:      DefaultRetrier(),
		log:          log.Named("session").With(zap.String("account_id", id.AccountID)),
		events:       make(chan any, eventBuffer),
		views:        make(chan View, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		state:        Idle{},
		profileSlot:  slot{name: "profile"},
		chatSlot:     slot{name: "chat"},
		messagesSlot: slot{name: "messages"},
		presenceSlot: slot{name: "presence"},
		requestsSlot: slot{name: "requests"},
		ownReqSlot:   slot{name: "own_request"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loop and the profile subscription.
func (s *Session) Start() {
	s.start.Do(func() { go s.loop() })
}

// Close tears down every subscription. Operations still waiting return
// ErrSessionClosed.
func (s *Session) Close() {
	s.once.Do(func() { close(s.stop) })
	// never started: there is nothing to tear down
	s.start.Do(func() { close(s.done) })
	<-s.done
}

func (s *Session) AccountID() string { return s.identity.AccountID }

// Views delivers the latest view after each change. Intermediate views may be
// skipped when the reader is slow.
func (s *Session) Views() <-chan View { return s.views }

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Current returns the view as of now.
func (s *Session) Current(ctx context.Context) (View, error) {
	var v View
	err := s.exec(ctx, func() { v = s.view })
	return v, err
}

// State returns the lifecycle state as of now.
func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	err := s.exec(ctx, func() { st = s.state })
	return st, err
}

func (s *Session) loop() {
	defer close(s.done)
	s.refresh()
	for {
		select {
		case <-s.stop:
			for _, sl := range s.slots() {
				sl.reset()
			}
			return
		case ev := <-s.events:
			switch ev := ev.(type) {
			case update:
				if ev.gen != ev.slot.gen {
					continue
				}
				if ev.err != nil {
					s.log.Warn("subscription error", zap.String("stream", ev.slot.name), zap.Error(ev.err))
					s.streamErr = ev.err.Error()
					s.publish()
					continue
				}
				s.streamErr = ""
				ev.apply()
				s.refresh()
			case command:
				ev.fn()
			}
		}
	}
}

func (s *Session) slots() []*slot {
	return []*slot{&s.profileSlot, &s.chatSlot, &s.messagesSlot, &s.presenceSlot, &s.requestsSlot, &s.ownReqSlot}
}

// post hands a snapshot to the loop, or drops it once the session is gone.
func (s *Session) post(sl *slot, gen uint64, err error, apply func()) {
	select {
	case s.events <- update{slot: sl, gen: gen, err: err, apply: apply}:
	case <-s.done:
	}
}

// exec runs fn on the loop and waits for it.
func (s *Session) exec(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case s.events <- command{fn: func() { fn(); close(ran) }}:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) role() models.Role {
	if s.profile != nil {
		return s.profile.Role
	}
	return s.identity.Role
}

// chatRef is the chat the session follows: the profile's reference unless
// this viewer already acknowledged its end.
func (s *Session) chatRef() string {
	ref := s.profile.ActiveChatID()
	if s.acked != "" && ref != s.acked {
		s.acked = ""
	}
	if ref == s.acked {
		return ""
	}
	return ref
}

func (s *Session) refresh() {
	s.reconcile()
	s.state = s.derive()
	s.publish()
}

// ensure points sl at key, cancelling whatever it watched before.
func ensure(sl *slot, key string, onReset func(), start func(gen uint64) storage.Subscription) {
	if sl.key == key {
		return
	}
	sl.reset()
	onReset()
	if key == "" {
		return
	}
	sl.key = key
	sl.sub = start(sl.gen)
}

func (s *Session) reconcile() {
	self := s.identity.AccountID

	ensure(&s.profileSlot, self, func() { s.profile = nil }, func(gen uint64) storage.Subscription {
		return s.store.WatchProfile(self, func(p *models.UserProfile, err error) {
			s.post(&s.profileSlot, gen, err, func() { s.profile = p })
		})
	})

	chatID := s.chatRef()
	ensure(&s.chatSlot, chatID, func() { s.chat = nil }, func(gen uint64) storage.Subscription {
		return s.store.WatchChat(chatID, func(c *models.Chat, err error) {
			s.post(&s.chatSlot, gen, err, func() { s.onChat(chatID, c) })
		})
	})

	msgKey := ""
	if s.chat != nil {
		msgKey = s.chat.ID
	}
	ensure(&s.messagesSlot, msgKey, func() { s.messages = nil }, func(gen uint64) storage.Subscription {
		return s.store.WatchMessages(msgKey, func(msgs []models.Message, err error) {
			s.post(&s.messagesSlot, gen, err, func() { s.messages = msgs })
		})
	})

	presenceKey, requestsKey := "", ""
	if s.role() == models.RoleDoctor {
		presenceKey = self
		if s.online {
			requestsKey = storage.PendingRequestsChannel
		}
	}
	ensure(&s.presenceSlot, presenceKey, func() { s.online = false }, func(gen uint64) storage.Subscription {
		return s.presence.WatchStatus(self, func(st *models.PresenceStatus, err error) {
			s.post(&s.presenceSlot, gen, err, func() { s.online = st.Online() })
		})
	})
	// presence may have just dropped, so re-read it
	if !s.online {
		requestsKey = ""
	}
	ensure(&s.requestsSlot, requestsKey, func() { s.requests = nil }, func(gen uint64) storage.Subscription {
		return s.store.WatchPendingRequests(func(reqs []models.ChatRequest, err error) {
			s.post(&s.requestsSlot, gen, err, func() { s.requests = reqs })
		})
	})

	ownKey := ""
	if s.role() == models.RoleUser && chatID == "" {
		ownKey = self
	}
	ensure(&s.ownReqSlot, ownKey, func() { s.ownRequest = nil }, func(gen uint64) storage.Subscription {
		return s.store.WatchChatRequest(self, func(r *models.ChatRequest, err error) {
			s.post(&s.ownReqSlot, gen, err, func() {
				s.ownRequest = r
				if r.Pending() {
					s.optimistic = false
				}
			})
		})
	})
	if chatID != "" {
		s.optimistic = false
	}
}

// onChat applies a chat snapshot. A reference to a chat that does not exist
// (or that we are not part of) is cleared from our own profile.
func (s *Session) onChat(chatID string, c *models.Chat) {
	if c != nil && c.IsParticipant(s.identity.AccountID) {
		s.chat = c
		s.healing = ""
		return
	}
	s.chat = nil
	if s.healing == chatID {
		return
	}
	s.healing = chatID
	self := s.identity.AccountID
	s.log.Warn("profile references a missing chat, clearing it", zap.String("chat_id", chatID))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.retrier.Do(ctx, func(ctx context.Context) error {
			return s.store.ClearChatRef(ctx, self, chatID)
		}); err != nil {
			s.log.Error("failed to clear dangling chat reference", zap.String("chat_id", chatID), zap.Error(err))
		}
	}()
}

func (s *Session) derive() State {
	ref := s.chatRef()
	switch {
	case ref != "" && s.chat == nil:
		return Joining{ChatID: ref}
	case s.chat != nil && s.chat.Ended():
		return Ending{Chat: *s.chat, Messages: s.messages}
	case s.chat != nil:
		return Active{Chat: *s.chat, Messages: s.messages}
	case s.role() == models.RoleUser && (s.optimistic || s.ownRequest.Pending()):
		return Requesting{}
	case s.role() == models.RoleDoctor && s.online && len(s.requests) > 0:
		return Reviewing{Requests: s.requests}
	default:
		return Idle{}
	}
}

// publish replaces any unread view with the current one. The loop is the
// only sender, so the send after draining never blocks.
func (s *Session) publish() {
	s.view = buildView(s.identity.AccountID, s.profile, s.state, s.online, s.streamErr)
	select {
	case <-s.views:
	default:
	}
	s.views <- s.view
}
