// Package webchat is the one concrete demo Channel: a websocket server
// transport, grounded in the teacher's pkg/channels/web/web_channel.go
// (gorilla/websocket, a mutex-guarded connection wrapper, JSON framing for
// both incoming user messages and outgoing streamed content).
//
// Channel id "webchat" is always allowed by pairing enforcement (spec.md
// §4.5) — it is the dev/local surface.
package webchat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"assistantgw/internal/transport"
)

const ID = "webchat"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// safeConn serializes concurrent writes to one websocket connection, the
// same guard the teacher's web_channel.go applies (gorilla/websocket
// connections aren't safe for concurrent writers).
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// incomingFrame is the wire shape of a message a client sends over the
// socket.
type incomingFrame struct {
	SenderID string `json:"sender_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content"`
}

// outgoingFrame is the wire shape of everything the server sends back:
// either a complete message, a streamed delta, or a typing toggle.
type outgoingFrame struct {
	Type     string         `json:"type"` // "message", "delta", "typing"
	Content  string         `json:"content,omitempty"`
	On       bool           `json:"on,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Channel is a websocket-based demo transport. Each connection identifies
// itself with a sender_id on its first frame; the channel multiplexes
// Send/SendDelta/SendTyping to whichever connection most recently
// identified as that sender.
type Channel struct {
	addr string

	mu    sync.RWMutex
	conns map[string]*safeConn

	srv *http.Server
}

// New constructs a webchat Channel listening on addr (e.g. ":8090").
func New(addr string) *Channel {
	return &Channel{
		addr:  addr,
		conns: make(map[string]*safeConn),
	}
}

func init() {
	transport.Register(ID, func(config map[string]any) (transport.Channel, error) {
		addr, _ := config["addr"].(string)
		if addr == "" {
			addr = ":8090"
		}
		return New(addr), nil
	})
}

func (c *Channel) ID() string { return ID }

func (c *Channel) Start(ctx context.Context, inbound chan<- transport.InboundEvent) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c.handleConn(ctx, w, r, inbound)
	})
	c.srv = &http.Server{Addr: c.addr, Handler: mux}

	ln := make(chan error, 1)
	go func() {
		slog.Info("webchat: listening", "addr", c.addr)
		ln <- c.srv.ListenAndServe()
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.srv.Shutdown(shutdownCtx)
	}()

	return nil
}

func (c *Channel) handleConn(ctx context.Context, w http.ResponseWriter, r *http.Request, inbound chan<- transport.InboundEvent) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("webchat: upgrade failed", "error", err)
		return
	}
	sc := &safeConn{conn: conn}
	var senderID string
	defer func() {
		conn.Close()
		if senderID != "" {
			c.mu.Lock()
			if c.conns[senderID] == sc {
				delete(c.conns, senderID)
			}
			c.mu.Unlock()
		}
	}()

	for {
		var frame incomingFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.SenderID == "" {
			continue
		}
		if frame.SenderID != senderID {
			senderID = frame.SenderID
			c.mu.Lock()
			c.conns[senderID] = sc
			c.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return
		case inbound <- transport.InboundEvent{
			MessageID:  fmt.Sprintf("%s-%d", senderID, time.Now().UnixNano()),
			ChannelID:  ID,
			SenderID:   senderID,
			ThreadID:   frame.ThreadID,
			Kind:       transport.KindMessage,
			Content:    frame.Content,
			ReceivedAt: time.Now().UnixNano(),
		}:
		}
	}
}

func (c *Channel) connFor(recipientID string) (*safeConn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.conns[recipientID]
	return sc, ok
}

func (c *Channel) Send(_ context.Context, recipientID string, msg transport.OutboundMessage) error {
	sc, ok := c.connFor(recipientID)
	if !ok {
		return fmt.Errorf("webchat: no connection for recipient %q", recipientID)
	}
	return sc.writeJSON(outgoingFrame{Type: "message", Content: msg.Content, Metadata: msg.Metadata})
}

func (c *Channel) SendDelta(_ context.Context, recipientID string, delta string) error {
	sc, ok := c.connFor(recipientID)
	if !ok {
		return fmt.Errorf("webchat: no connection for recipient %q", recipientID)
	}
	return sc.writeJSON(outgoingFrame{Type: "delta", Content: delta})
}

func (c *Channel) SendTyping(_ context.Context, recipientID string, on bool) error {
	sc, ok := c.connFor(recipientID)
	if !ok {
		return nil // no-op if the client disconnected
	}
	return sc.writeJSON(outgoingFrame{Type: "typing", On: on})
}

func (c *Channel) SupportsStreamingDeltas() bool { return true }
func (c *Channel) SupportsTypingEvents() bool     { return true }
func (c *Channel) SupportsReactions() bool        { return false }
