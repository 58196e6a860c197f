// Package restapi is the HTTP collaborator behind message history and
// sending.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/sony/gobreaker"
)

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("restapi: %s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client implements stream.Backend over the chat REST API. Calls go
// through a circuit breaker so a dead server fails fast instead of
// stacking up timeouts.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// BreakerSettings tunes the circuit breaker.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

func WithBreaker(s BreakerSettings) Option {
	return func(c *Client) { c.breaker = newBreaker(s, c.logger) }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default().With("component", "restapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = newBreaker(BreakerSettings{}, c.logger)
	}
	return c
}

func newBreaker(s BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "restapi",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		// Client errors say nothing about server health.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < 500
			}
			return errors.Is(err, domain.ErrAuth) || errors.Is(err, domain.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// SetToken replaces the bearer credential.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// FetchPage returns one page of history. The server may answer with
// {"messages": [...], "hasMore": bool} or a bare array; for the latter
// hasMore is inferred from a full page.
func (c *Client) FetchPage(ctx context.Context, scope string, page, limit int) (domain.HistoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, messagesPath(scope), nil, q)
	if err != nil {
		return domain.HistoryPage{}, err
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var msgs []domain.Message
		if err := json.Unmarshal(body, &msgs); err != nil {
			return domain.HistoryPage{}, fmt.Errorf("restapi: decode history: %w", err)
		}
		return domain.HistoryPage{Messages: withScope(msgs, scope), HasMore: len(msgs) == limit}, nil
	}

	var hp domain.HistoryPage
	if err := json.Unmarshal(body, &hp); err != nil {
		return domain.HistoryPage{}, fmt.Errorf("restapi: decode history: %w", err)
	}
	hp.Messages = withScope(hp.Messages, scope)
	return hp, nil
}

type sendRequest struct {
	Content   string             `json:"content"`
	Kind      domain.MessageKind `json:"kind,omitempty"`
	MediaURL  string             `json:"mediaUrl,omitempty"`
	ReplyToID string             `json:"replyToId,omitempty"`
	ClientID  string             `json:"clientId"`
}

// Send posts a draft and returns the stored message.
func (c *Client) Send(ctx context.Context, draft domain.Draft, clientID string) (domain.Message, error) {
	req := sendRequest{
		Content:   draft.Content,
		Kind:      draft.Kind,
		MediaURL:  draft.MediaURL,
		ReplyToID: draft.ReplyToID,
		ClientID:  clientID,
	}
	body, err := c.do(ctx, http.MethodPost, messagesPath(draft.Scope), req, nil)
	if err != nil {
		return domain.Message{}, err
	}

	var wrapped struct {
		Message *domain.Message `json:"message"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Message != nil {
		return finishSent(*wrapped.Message, draft, clientID)
	}
	var msg domain.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("restapi: decode sent message: %w", err)
	}
	return finishSent(msg, draft, clientID)
}

func finishSent(msg domain.Message, draft domain.Draft, clientID string) (domain.Message, error) {
	if msg.ID == "" {
		return domain.Message{}, errors.New("restapi: sent message has no id")
	}
	if msg.Scope == "" {
		msg.Scope = draft.Scope
	}
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	return msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody any, query url.Values) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, reqBody, query)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("restapi: %s %s: %w", method, path, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, reqBody any, query url.Values) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("restapi: encode request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("restapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("restapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("restapi: read response: %w", err)
	}
	c.logger.Debug("request complete", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("restapi: %s %s: %w (status %d)", method, path, domain.ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("restapi: %s %s: %w", method, path, domain.ErrNotFound)
	}
	return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

func messagesPath(scope string) string {
	return "/chats/" + url.PathEscape(scope) + "/messages"
}

func withScope(msgs []domain.Message, scope string) []domain.Message {
	for i := range msgs {
		if msgs[i].Scope == "" {
			msgs[i].Scope = scope
		}
	}
	return msgs
}
