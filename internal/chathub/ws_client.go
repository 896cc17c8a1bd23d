package chathub

import (
	"careline/backend/internal/config"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketClient binds one websocket connection to one Session. Commands
// read from the socket are run against the session one at a time, in the
// order they arrived; every view change is written back as a state frame.
type WebSocketClient struct {
	UserID   string
	Conn     *websocket.Conn
	Hub      *Hub
	Session  *Session
	Send     chan Frame
	Commands chan Command

	log  *zap.Logger
	quit chan struct{}
	once sync.Once
}

// NewWebSocketClient Constructor
func NewWebSocketClient(conn *websocket.Conn, hub *Hub, session *Session, log *zap.Logger) *WebSocketClient {
	return &WebSocketClient{
		UserID:   session.AccountID(),
		Conn:     conn,
		Hub:      hub,
		Session:  session,
		Send:     make(chan Frame, config.SendBufferSize),
		Commands: make(chan Command, config.CommandQueueSize),
		log:      log.Named("ws").With(zap.String("account_id", session.AccountID())),
		quit:     make(chan struct{}),
	}
}

func (c *WebSocketClient) GetUserID() string { return c.UserID }

// Run starts the session, the command worker and both pumps.
func (c *WebSocketClient) Run() {
	c.Session.Start()
	go c.commandPump()
	go c.writePump()
	go c.readPump()
}

// Close stops the session; writePump notices and closes the socket.
func (c *WebSocketClient) Close() {
	c.once.Do(func() {
		close(c.quit)
		go c.Session.Close()
	})
}

func (c *WebSocketClient) enqueue(f Frame) {
	select {
	case c.Send <- f:
	case <-c.quit:
	}
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(config.MaxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.log.Debug("malformed command frame", zap.Error(err))
			c.enqueue(Frame{Type: FrameError, Code: "bad_frame", Error: err.Error()})
			continue
		}

		// Writes may sit in retry for a while; keep reading so pongs are seen.
		select {
		case c.Commands <- cmd:
		default:
			c.log.Warn("command queue full", zap.String("type", cmd.Type))
			c.enqueue(Reply(cmd, ErrTooManyCommands))
		}
	}
}

// commandPump runs queued commands one after another. Commands still queued
// when the client closes are dropped.
func (c *WebSocketClient) commandPump() {
	for {
		select {
		case <-c.quit:
			return
		case cmd := <-c.Commands:
			c.dispatch(cmd)
		}
	}
}

func (c *WebSocketClient) dispatch(cmd Command) {
	ctx, cancel := context.WithTimeout(context.Background(), config.OperationTimeout)
	defer cancel()
	err := Dispatch(ctx, c.Session, cmd)
	if err != nil {
		c.log.Info("command rejected", zap.String("type", cmd.Type), zap.Error(err))
	}
	c.enqueue(Reply(cmd, err))
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case view := <-c.Session.Views():
			if err := c.write(Frame{Type: FrameState, State: &view}); err != nil {
				return
			}
		case frame := <-c.Send:
			if err := c.write(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) write(f Frame) error {
	c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
	if err := c.Conn.WriteJSON(f); err != nil {
		c.log.Debug("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}
