package chathub

import (
	"context"
	"errors"
	"fmt"
)

const (
	CmdSubmitRequest = "submit_request"
	CmdAcceptRequest = "accept_request"
	CmdSendMessage   = "send_message"
	CmdEndBy         = "end_by"
	CmdEndChat       = "end_chat"

	FrameState = "state"
	FrameError = "error"
	FrameAck   = "ack"
)

// Command is a frame sent by the browser.
type Command struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	RequesterID string `json:"requester_id,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Frame is a frame sent to the browser.
type Frame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	State *View  `json:"state,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrTooManyCommands = errors.New("too many commands in flight")
)

// Dispatch runs cmd against the session.
func Dispatch(ctx context.Context, s *Session, cmd Command) error {
	switch cmd.Type {
	case CmdSubmitRequest:
		return s.SubmitRequest(ctx)
	case CmdAcceptRequest:
		return s.AcceptRequest(ctx, cmd.RequesterID)
	case CmdSendMessage:
		return s.SendMessage(ctx, cmd.Text)
	case CmdEndBy:
		return s.EndBy(ctx)
	case CmdEndChat:
		return s.EndChat(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

// Reply is the frame answering cmd.
func Reply(cmd Command, err error) Frame {
	if err == nil {
		return Frame{Type: FrameAck, ID: cmd.ID}
	}
	return Frame{Type: FrameError, ID: cmd.ID, Code: ErrorCode(err), Error: err.Error()}
}
