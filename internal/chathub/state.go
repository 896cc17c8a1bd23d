package chathub

import "careline/backend/internal/models"

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRequesting Phase = "requesting"
	PhaseReviewing  Phase = "reviewing"
	PhaseJoining    Phase = "joining"
	PhaseActive     Phase = "active"
	PhaseEnding     Phase = "ending"
)

// State is the viewer's position in the chat lifecycle. Exactly one of the
// types below; there is no way to be requesting while also in a chat.
type State interface {
	Phase() Phase
	isState()
}

// Idle: no request and no chat.
type Idle struct{}

// Requesting: the user's request is pending.
type Requesting struct{}

// Reviewing: an online doctor with pending requests to pick from.
type Reviewing struct {
	Requests []models.ChatRequest
}

// Joining: the profile references a chat whose document has not arrived yet.
type Joining struct {
	ChatID string
}

// Active: the chat is open and nobody has ended it.
type Active struct {
	Chat     models.Chat
	Messages []models.Message
}

// Ending: one side ended the chat and this viewer has not acknowledged it.
type Ending struct {
	Chat     models.Chat
	Messages []models.Message
}

func (Idle) Phase() Phase       { return PhaseIdle }
func (Requesting) Phase() Phase { return PhaseRequesting }
func (Reviewing) Phase() Phase  { return PhaseReviewing }
func (Joining) Phase() Phase    { return PhaseJoining }
func (Active) Phase() Phase     { return PhaseActive }
func (Ending) Phase() Phase     { return PhaseEnding }

func (Idle) isState()       {}
func (Requesting) isState() {}
func (Reviewing) isState()  {}
func (Joining) isState()    {}
func (Active) isState()     {}
func (Ending) isState()     {}

// View is what the rendering layer receives after every change.
type View struct {
	Phase             Phase                `json:"phase"`
	Profile           *models.UserProfile  `json:"profile,omitempty"`
	Online            bool                 `json:"online"`
	HasPendingRequest bool                 `json:"has_pending_request"`
	IncomingRequests  []models.ChatRequest `json:"incoming_requests"`
	Chat              *models.Chat         `json:"chat,omitempty"`
	Peer              string               `json:"peer,omitempty"`
	Messages          []models.Message     `json:"messages"`
	StreamError       string               `json:"stream_error,omitempty"`
}

func buildView(accountID string, profile *models.UserProfile, st State, online bool, streamErr string) View {
	v := View{
		Phase:            st.Phase(),
		Online:           online,
		IncomingRequests: []models.ChatRequest{},
		Messages:         []models.Message{},
		StreamError:      streamErr,
	}
	if profile != nil {
		p := *profile
		v.Profile = &p
	}
	switch st := st.(type) {
	case Requesting:
		v.HasPendingRequest = true
	case Reviewing:
		v.IncomingRequests = append(v.IncomingRequests, st.Requests...)
	case Active:
		chat := st.Chat
		v.Chat, v.Peer = &chat, chat.Peer(accountID)
		v.Messages = append(v.Messages, st.Messages...)
	case Ending:
		chat := st.Chat
		v.Chat, v.Peer = &chat, chat.Peer(accountID)
		v.Messages = append(v.Messages, st.Messages...)
	}
	return v
}
