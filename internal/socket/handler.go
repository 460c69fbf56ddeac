package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/spotter/internal/chat"
	"github.com/ashureev/spotter/internal/domain"
	"github.com/ashureev/spotter/internal/event"
	"github.com/ashureev/spotter/internal/metrics"
	"github.com/ashureev/spotter/internal/presence"
)

const (
	DefaultSendQueue    = 256
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 64 << 10

	inboundBuffer = 16

	reasonSlowConsumer = "slow consumer"
	reasonShutdown     = "server shutdown"
)

// Authenticator resolves the user behind an upgrade request. *identity.Authenticator satisfies it.
type Authenticator interface {
	AuthenticateRequest(r *http.Request) (*domain.User, error)
}

// Service is the chat core the live channel dispatches to. *chat.Service satisfies it.
type Service interface {
	Connect(ctx context.Context, conn presence.Conn) presence.Transition
	Disconnect(ctx context.Context, conn presence.Conn) presence.Transition
	JoinConversation(ctx context.Context, conn presence.Conn, conversationID string) (*domain.Conversation, error)
	LeaveConversation(conn presence.Conn, conversationID string)
	Send(ctx context.Context, senderID string, req chat.SendRequest) (*domain.MessageView, error)
	Delete(ctx context.Context, messageID, requesterID string) error
	MarkRead(ctx context.Context, conversationID, userID string) (domain.ReadReceipt, error)
	Typing(conn presence.Conn, conversationID string, typing bool) error
	Signal(ctx context.Context, conn presence.Conn, name event.Name, call event.Call) (bool, error)
}

// Options tune the live channel.
type Options struct {
	SendQueue     int
	PingInterval  time.Duration
	WriteTimeout  time.Duration
	ReadLimit     int64
	AllowedOrigin string
	IsDev         bool
}

func (o *Options) defaults() {
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.PingInterval < 0 {
		o.PingInterval = 0
	} else if o.PingInterval == 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
}

// Handler upgrades authenticated requests to live channel connections.
type Handler struct {
	auth    Authenticator
	svc     Service
	metrics *metrics.Metrics
	opts    Options

	mu      sync.Mutex
	clients map[string]*Client
	closing bool
	wg      sync.WaitGroup
}

// NewHandler creates the live channel handler. m may be nil.
func NewHandler(auth Authenticator, svc Service, m *metrics.Metrics, opts Options) *Handler {
	opts.defaults()
	return &Handler{auth: auth, svc: svc, metrics: m, opts: opts, clients: make(map[string]*Client)}
}

// Wait blocks until every connection served by the handler has been torn down.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Shutdown refuses new upgrades, closes every live connection and waits for them to finish.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("live channel shutdown: %w", ctx.Err())
	}
}

func (h *Handler) track(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Handler) untrack(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
}

// ServeHTTP authenticates before the upgrade; a rejected attempt never becomes a connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.AuthenticateRequest(r)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			slog.Info("Rejected live channel upgrade", "ip", r.RemoteAddr, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		slog.Error("Failed to authenticate live channel upgrade", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", user.UserID)
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	h.serve(r.Context(), ws, user)
}

func (h *Handler) serve(parent context.Context, ws *websocket.Conn, user *domain.User) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	client := newClient(uuid.NewString(), user.UserID, ws, h.opts.SendQueue)
	h.track(client)
	defer h.untrack(client)
	slog.Info("Live channel connected", "user_id", client.userID, "conn_id", client.id)

	h.svc.Connect(ctx, client)

	inbound := make(chan event.Inbound, inboundBuffer)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(inbound)
		h.readLoop(ctx, client, inbound)
	}()

	go func() {
		defer wg.Done()
		client.writeLoop(ctx, h.opts.PingInterval, h.opts.WriteTimeout)
	}()

	for in := range inbound {
		h.dispatch(ctx, client, in)
	}

	client.close(websocket.StatusNormalClosure, "connection closed")
	wg.Wait()

	h.svc.Disconnect(context.WithoutCancel(ctx), client)
	slog.Info("Live channel disconnected", "user_id", client.userID, "conn_id", client.id, "reason", client.reason)
}

// readLoop decodes frames into inbound events until the peer goes away or the connection closes.
func (h *Handler) readLoop(ctx context.Context, c *Client, inbound chan<- event.Inbound) {
	defer c.close(websocket.StatusNormalClosure, "peer closed")
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "conn_id", c.id)
			} else {
				slog.Warn("WebSocket read error", "error", err, "conn_id", c.id)
			}
			return
		}
		if typ != websocket.MessageText {
			c.Send(event.Fail("", fmt.Errorf("%w: binary frames are not supported", domain.ErrInvalidMessage)))
			continue
		}

		var in event.Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			c.Send(event.Fail("", fmt.Errorf("%w: malformed frame", domain.ErrInvalidMessage)))
			continue
		}

		select {
		case inbound <- in:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch handles one client event. Failures are reported back as an error event.
func (h *Handler) dispatch(ctx context.Context, c *Client, in event.Inbound) {
	h.metrics.EventReceived(string(in.Event))
	if err := h.handle(ctx, c, in); err != nil {
		if domain.Code(err) == domain.CodeInternal {
			slog.Error("Failed to handle event", "event", in.Event, "conn_id", c.id, "user_id", c.userID, "error", err)
		} else {
			slog.Debug("Rejected event", "event", in.Event, "conn_id", c.id, "error", err)
		}
		c.Send(event.Fail(in.Event, err))
	}
}

//nolint:gocognit // One case per client event.
func (h *Handler) handle(ctx context.Context, c *Client, in event.Inbound) error {
	switch in.Event {
	case event.Ping:
		c.Send(event.New(event.Pong, nil))
		return nil

	case event.JoinConversation:
		var ref event.ConversationRef
		if err := in.Decode(&ref); err != nil {
			return err
		}
		_, err := h.svc.JoinConversation(ctx, c, ref.ConversationID)
		return err

	case event.LeaveConversation:
		var ref event.ConversationRef
		if err := in.Decode(&ref); err != nil {
			return err
		}
		h.svc.LeaveConversation(c, ref.ConversationID)
		return nil

	case event.SendMessage:
		var p event.Send
		if err := in.Decode(&p); err != nil {
			return err
		}
		view, err := h.svc.Send(ctx, c.userID, chat.SendRequest{
			ConversationID: p.ConversationID,
			RecipientID:    p.RecipientID,
			Content:        p.Content,
			Type:           p.Type,
			MediaURL:       p.MediaURL,
		})
		if err != nil {
			return err
		}
		ack := event.Delivered{
			MessageID:      view.ID,
			ConversationID: view.ConversationID,
			ClientID:       p.ClientID,
			DeliveredAt:    view.CreatedAt,
		}
		if view.DeliveredAt != nil {
			ack.DeliveredAt = *view.DeliveredAt
		}
		c.Send(event.New(event.MessageDelivered, ack))
		return nil

	case event.DeleteMessage:
		var ref event.MessageRef
		if err := in.Decode(&ref); err != nil {
			return err
		}
		return h.svc.Delete(ctx, ref.MessageID, c.userID)

	case event.TypingStart, event.TypingStop:
		var p event.Typing
		if err := in.Decode(&p); err != nil {
			return err
		}
		return h.svc.Typing(c, p.ConversationID, in.Event == event.TypingStart)

	case event.MarkMessagesRead:
		var ref event.ConversationRef
		if err := in.Decode(&ref); err != nil {
			return err
		}
		_, err := h.svc.MarkRead(ctx, ref.ConversationID, c.userID)
		return err

	case event.InitiateCall, event.CallResponse, event.EndCall:
		var p event.Call
		if err := in.Decode(&p); err != nil {
			return err
		}
		_, err := h.svc.Signal(ctx, c, in.Event, p)
		return err

	default:
		return fmt.Errorf("%w: unknown event %q", domain.ErrInvalidMessage, in.Event)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		slog.Debug("Failed to write error response", "error", err)
	}
}
