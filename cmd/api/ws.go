package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/auth"
	"github.com/PaulBabatuyi/leadmarket/internal/chat"
	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufSize    = 64
)

var errClientGone = errors.New("websocket client closed")

// wsRequest is a client frame. Type is "message.send" or "message.read".
type wsRequest struct {
	Type       string            `json:"type"`
	Ref        string            `json:"ref,omitempty"`
	Receiver   string            `json:"receiver,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	Text       string            `json:"text,omitempty"`
	File       *inbox.Attachment `json:"file,omitempty"`
	MessageFor string            `json:"messageFor,omitempty"`
}

// wsReply acknowledges a client frame.
type wsReply struct {
	Type    string         `json:"type"`
	Ref     string         `json:"ref,omitempty"`
	Message *inbox.Message `json:"message,omitempty"`
	Updated int64          `json:"updated,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// wsClient is one WebSocket connection registered in the hub.
type wsClient struct {
	conn   *websocket.Conn
	send   chan any
	done   chan struct{}
	once   sync.Once
	userID string
	email  string
	log    *zap.Logger
}

// Send queues ev for the write pump without blocking.
func (c *wsClient) Send(ev *chat.Event) error {
	return c.enqueue(ev)
}

func (c *wsClient) enqueue(v any) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- v:
		return nil
	case <-c.done:
		return errClientGone
	default:
		return errors.New("websocket send buffer full")
	}
}

// stop ends both pumps. The write pump sends the close frame and closes the conn.
func (c *wsClient) stop() {
	c.once.Do(func() { close(c.done) })
}

func (a *App) upgrader() websocket.Upgrader {
	allowed := map[string]bool{}
	for _, o := range a.cfg.Server.CORSOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// handleWS upgrades the request and serves live events until either side closes.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	up := a.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{
		conn:   conn,
		send:   make(chan any, sendBufSize),
		done:   make(chan struct{}),
		userID: claims.UserID,
		email:  claims.Email,
		log:    a.log.Named("ws"),
	}
	id := a.hub.Register(c.userID, c)

	// the request context ends with the handler, so the pumps get their own
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	a.readPump(ctx, c)

	cancel()
	a.hub.Unregister(c.userID, id)
	c.stop()
	wg.Wait()
}

func (a *App) readPump(ctx context.Context, c *wsClient) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req wsRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("ws read error", zap.String("user", c.userID), zap.Error(err))
			}
			return
		}
		reply := a.handleFrame(ctx, c, req)
		if err := c.enqueue(reply); err != nil {
			return
		}
	}
}

func (a *App) handleFrame(ctx context.Context, c *wsClient, req wsRequest) wsReply {
	reply := wsReply{Type: req.Type + ".ack", Ref: req.Ref}
	var err error
	switch req.Type {
	case "message.send":
		reply.Message, err = a.chat.Send(ctx, chat.Actor{ID: c.userID, Email: c.email}, chat.SendInput{
			Receiver:   req.Receiver,
			Text:       req.Text,
			File:       req.File,
			MessageFor: req.MessageFor,
		})
	case "message.read":
		reply.Updated, err = a.chat.MarkRead(ctx, c.userID, req.UserID, req.MessageFor)
	default:
		reply.Type = "error"
		reply.Error = "unknown frame type"
		return reply
	}
	if err != nil {
		code, msg := classify(err)
		if code == codes.Internal {
			c.log.Error("ws frame failed", zap.String("type", req.Type), zap.Error(err))
		}
		reply.Error = msg
	}
	return reply
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case v := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			b, err := json.Marshal(v)
			if err != nil {
				c.log.Error("ws marshal failed", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
