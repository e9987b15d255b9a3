package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"randreply/internal/domain"
)

const signatureHeader = "X-Signature-256"

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	Host        string
	Port        int
	Path        string // default: /webhook
	Secret      string // HMAC secret for inbound and outbound signatures
	CallbackURL string // replies are POSTed here
	Client      *http.Client
	Logger      *slog.Logger
}

// Webhook accepts signed HTTP POSTs as chat messages and delivers replies to
// a callback URL.
type Webhook struct {
	host        string
	port        int
	path        string
	secret      string
	callbackURL string
	client      *http.Client
	logger      *slog.Logger
	in          Inbound
	ctx         context.Context
}

// WebhookPayload is the JSON body of an inbound message.
type WebhookPayload struct {
	ChatID    string `json:"chat_id"`
	ChatName  string `json:"chat_name"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Content   string `json:"content"`
	Group     bool   `json:"group"`
	Mentioned bool   `json:"mentioned"`
	Type      string `json:"type,omitempty"` // "text" (default) or anything else
}

// WebhookReply is the JSON body POSTed to the callback URL.
type WebhookReply struct {
	RequestID  string `json:"request_id"`
	ChatID     string `json:"chat_id"`
	UserID     string `json:"user_id"`
	Content    string `json:"content"`
	Kind       string `json:"kind"`
	Unprompted bool   `json:"unprompted"`
}

// NewWebhook creates a new webhook channel handler.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Webhook{
		host:        cfg.Host,
		port:        cfg.Port,
		path:        cfg.Path,
		secret:      cfg.Secret,
		callbackURL: cfg.CallbackURL,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Handler returns the HTTP handler delivering messages to in.
func (w *Webhook) Handler(ctx context.Context, in Inbound) http.Handler {
	w.ctx, w.in = ctx, in
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleWebhook)
	return mux
}

// Start serves the webhook endpoint until ctx is done.
func (w *Webhook) Start(ctx context.Context, in Inbound, ready func()) error {
	addr := net.JoinHostPort(w.host, strconv.Itoa(w.port))
	server := &http.Server{
		Addr:              addr,
		Handler:           w.Handler(ctx, in),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	w.logger.Info("webhook server listening", "addr", addr, "path", w.path)
	if w.callbackURL != "" {
		ready()
	} else {
		w.logger.Warn("webhook has no callback URL, replies cannot be delivered")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.secret != "" {
		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.Content == "" {
		http.Error(rw, "Content is required", http.StatusBadRequest)
		return
	}

	msg := payload.toMessage()
	w.logger.Debug("webhook message received", "chat_id", msg.GroupID, "user_id", msg.UserID, "content_len", len(msg.Content))
	if w.in != nil {
		w.in(w.ctx, msg)
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": "accepted", "message_id": msg.MessageID})
}

func (p WebhookPayload) toMessage() domain.IncomingMessage {
	contentType := domain.ContentText
	if p.Type != "" && p.Type != "text" {
		contentType = domain.ContentOther
	}
	msg := domain.IncomingMessage{
		Channel:     "webhook",
		MessageID:   uuid.NewString(),
		IsGroup:     p.Group,
		ContentType: contentType,
		Content:     p.Content,
		GroupID:     p.ChatID,
		GroupName:   p.ChatName,
		UserID:      p.UserID,
		UserName:    p.UserName,
		Mentioned:   p.Mentioned,
		Timestamp:   time.Now(),
	}
	if !p.Group {
		if msg.GroupID == "" {
			msg.GroupID = p.UserID
		}
		msg.GroupName = p.UserName
	}
	return msg
}

// Send POSTs the reply to the callback URL, signed when a secret is set.
func (w *Webhook) Send(ctx context.Context, reply domain.OutgoingReply, req domain.OutboundRequest) error {
	if w.callbackURL == "" {
		return fmt.Errorf("webhook: %w", domain.ErrNoTransport)
	}
	body, err := json.Marshal(WebhookReply{
		RequestID:  req.ID,
		ChatID:     req.ReceiverID,
		UserID:     req.UserID,
		Content:    reply.Content,
		Kind:       string(reply.Kind),
		Unprompted: req.EngineOriginated,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		httpReq.Header.Set(signatureHeader, signHMAC(body, w.secret))
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook callback: status %d", resp.StatusCode)
	}
	return nil
}

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signHMAC(body, secret)), []byte(signature))
}
