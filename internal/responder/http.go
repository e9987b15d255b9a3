package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"randreply/internal/domain"
)

const maxRetries = 3

var ErrEmptyURL = errors.New("responder URL is empty")

// SharedHTTPClient returns an HTTP client with connection pooling.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// HTTP posts each request to a webhook and reads the reply from its response.
// A 204 response means "no reply".
type HTTP struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	backoff func(attempt int) time.Duration
}

type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// Request is the JSON body sent to the webhook.
type Request struct {
	ID               string            `json:"id"`
	Channel          string            `json:"channel"`
	SessionID        string            `json:"session_id"`
	UserID           string            `json:"user_id"`
	UserName         string            `json:"user_name"`
	GroupName        string            `json:"group_name,omitempty"`
	IsGroup          bool              `json:"is_group"`
	Content          string            `json:"content"`
	EngineOriginated bool              `json:"engine_originated"`
	NoMention        bool              `json:"no_mention,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Response is the JSON body expected back.
type Response struct {
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content"`
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	return &HTTP{
		url:     cfg.URL,
		client:  cfg.Client,
		logger:  cfg.Logger,
		backoff: jitterBackoff,
	}, nil
}

func (h *HTTP) Respond(ctx context.Context, req domain.OutboundRequest) (domain.OutgoingReply, error) {
	body, err := json.Marshal(Request{
		ID:               req.ID,
		Channel:          req.Channel,
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		UserName:         req.UserName,
		GroupName:        req.GroupName,
		IsGroup:          req.IsGroup,
		Content:          req.Content,
		EngineOriginated: req.EngineOriginated,
		NoMention:        req.NoMention,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return domain.OutgoingReply{}, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := h.doWithRetry(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return domain.OutgoingReply{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return domain.OutgoingReply{Kind: domain.ReplyText}, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.OutgoingReply{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return domain.OutgoingReply{}, fmt.Errorf("responder: HTTP %d: %s", resp.StatusCode, string(data))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.OutgoingReply{}, fmt.Errorf("decode response: %w", err)
	}
	kind := domain.ReplyText
	if out.Kind != "" && out.Kind != string(domain.ReplyText) {
		kind = domain.ReplyOther
	}
	return domain.OutgoingReply{Kind: kind, Content: out.Content}, nil
}

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

func jitterBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// doWithRetry executes a request, retrying network failures, 5xx and 429
// with exponential backoff.
func (h *HTTP) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := h.backoff(attempt)
			h.logger.Warn("retrying responder request", "attempt", attempt+1, "backoff", backoff)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			h.logger.Warn("responder request failed", "err", err, "attempt", attempt+1)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			h.logger.Warn("responder server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("responder failed after %d retries: %w", maxRetries, lastErr)
}
