package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"randreply/internal/domain"
)

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Host   string
	Port   int
	Path   string // default: /ws
	Logger *slog.Logger
}

// WebSocketChannel lets browser or script clients join chats over WebSocket.
type WebSocketChannel struct {
	host   string
	port   int
	path   string
	logger *slog.Logger
	in     Inbound
	ctx    context.Context

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol spoken on the socket. Clients send
// type "message"; the server sends "status" and "message".
type WSMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	GroupName string `json:"group_name,omitempty"`
	Group     bool   `json:"group,omitempty"`
	Mentioned bool   `json:"mentioned,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // bound to localhost by default
	},
}

// NewWebSocketChannel creates a new WebSocket channel.
func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	return &WebSocketChannel{
		host:    cfg.Host,
		port:    cfg.Port,
		path:    cfg.Path,
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Handler returns the upgrade handler delivering messages to in.
func (ws *WebSocketChannel) Handler(ctx context.Context, in Inbound) http.Handler {
	ws.ctx, ws.in = ctx, in
	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)
	return mux
}

// Start serves the WebSocket endpoint until ctx is done.
func (ws *WebSocketChannel) Start(ctx context.Context, in Inbound, ready func()) error {
	addr := net.JoinHostPort(ws.host, strconv.Itoa(ws.port))
	server := &http.Server{
		Addr:              addr,
		Handler:           ws.Handler(ctx, in),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket listen: %w", err)
	}
	ws.logger.Info("websocket server listening", "addr", addr, "path", ws.path)
	ready()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = "ws-" + uuid.NewString()
	}

	client := &wsClient{conn: conn, chatID: chatID}
	clientID := chatID + "-" + uuid.NewString()
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID)
	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(data, &wsMsg); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			continue
		}
		if wsMsg.Type != "message" {
			continue
		}
		ws.in(ws.ctx, ws.convert(chatID, wsMsg))
	}
}

func (ws *WebSocketChannel) convert(chatID string, m WSMessage) domain.IncomingMessage {
	msg := domain.IncomingMessage{
		Channel:     "websocket",
		MessageID:   uuid.NewString(),
		IsGroup:     m.Group,
		ContentType: domain.ContentText,
		Content:     m.Content,
		GroupID:     chatID,
		GroupName:   m.GroupName,
		UserID:      m.UserID,
		UserName:    m.UserName,
		Mentioned:   m.Mentioned,
		Timestamp:   time.Now(),
	}
	if !msg.IsGroup {
		msg.GroupName = msg.UserName
	}
	return msg
}

// Send writes reply to every client in the chat req.ReceiverID.
func (ws *WebSocketChannel) Send(ctx context.Context, reply domain.OutgoingReply, req domain.OutboundRequest) error {
	data, err := json.Marshal(WSMessage{Type: "message", Content: reply.Content, ChatID: req.ReceiverID})
	if err != nil {
		return err
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()

	delivered := 0
	var errs []error
	for _, client := range ws.clients {
		if client.chatID != req.ReceiverID {
			continue
		}
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		if len(errs) > 0 {
			return fmt.Errorf("websocket send to %s: %w", req.ReceiverID, errors.Join(errs...))
		}
		return fmt.Errorf("websocket: no client in chat %s", req.ReceiverID)
	}
	return nil
}

func (c *wsClient) send(msg WSMessage) {
	data, _ := json.Marshal(msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
