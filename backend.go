// Package chatsync is a client-side reconciliation core for chat applications
// whose backend is a coarse append/poll store.
//
// The backend never assigns durable message ids, so the core derives them
// from content, suppresses its own echoes, decodes control messages carried
// in the text field and keeps read state locally.
//
// Example:
//
//	backend := chatsync.NewHTTPBackend("https://script.example.com/exec")
//	client, _ := chatsync.NewClient("alice", chatsync.WithBackend(backend))
//
//	client.Send(ctx, chatsync.GroupChatID, "hello everyone")
//	go client.Run(ctx)
//
//	for _, chat := range client.Chats() {
//		fmt.Println(chat.Name, chat.UnreadCount)
//	}
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Backend is the remote store the core synchronizes against.
type Backend interface {
	// Poll returns records appended since the given instant.
	Poll(ctx context.Context, userID string, since time.Time) ([]Record, error)
	// Send appends one record.
	Send(ctx context.Context, req *SendRequest) error
}

// AccountBackend is implemented by backends that also manage accounts.
type AccountBackend interface {
	Register(ctx context.Context, username, phone, displayName string) (*User, error)
	Login(ctx context.Context, username, phone string) (*User, error)
	ListUsers(ctx context.Context, search string) ([]User, error)
	UpdateProfile(ctx context.Context, userID, displayName, status string) error
	SaveSubscription(ctx context.Context, userID string, sub PushSubscription) error
}

// ============================================================================
// HTTP Backend
// ============================================================================

const (
	DefaultTimeout  = 30 * time.Second
	DefaultSendRate = 5 // sends per second
)

// HTTPBackend speaks the action-based JSON API of the hosted message sheet.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type BackendOption func(*HTTPBackend)

func WithTimeout(timeout time.Duration) BackendOption {
	return func(b *HTTPBackend) { b.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) BackendOption {
	return func(b *HTTPBackend) { b.httpClient = client }
}

// WithSendRate limits outbound appends to perSecond with the given burst.
// A non-positive rate disables limiting.
func WithSendRate(perSecond float64, burst int) BackendOption {
	return func(b *HTTPBackend) {
		if perSecond <= 0 {
			b.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewHTTPBackend creates a backend for the given endpoint.
func NewHTTPBackend(baseURL string, opts ...BackendOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultSendRate), DefaultSendRate),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BaseURL returns the endpoint the backend talks to.
func (b *HTTPBackend) BaseURL() string {
	return b.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (b *HTTPBackend) doRequest(ctx context.Context, method string, body interface{}, query map[string]string) ([]byte, error) {
	u := b.baseURL
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		// text/plain avoids a CORS preflight on the hosted script endpoint
		req.Header.Set("Content-Type", "text/plain;charset=utf-8")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

func failure(msg string) error {
	if msg == "" {
		msg = "request was not successful"
	}
	return &APIError{Message: msg}
}

// ============================================================================
// Messages
// ============================================================================

func (b *HTTPBackend) Poll(ctx context.Context, userID string, since time.Time) ([]Record, error) {
	query := map[string]string{
		"action":  "get_messages",
		"user_id": userID,
	}
	if !since.IsZero() {
		query["since"] = FormatTimestamp(since)
	}
	data, err := b.doRequest(ctx, http.MethodGet, nil, query)
	if err != nil {
		return nil, errors.Wrap(err, "poll")
	}
	resp, err := decodeJSON[PollResponse](data)
	if err != nil {
		return nil, errors.Wrap(err, "poll")
	}
	if !resp.Success {
		return nil, failure(resp.Error)
	}
	return resp.Messages, nil
}

func (b *HTTPBackend) Send(ctx context.Context, req *SendRequest) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "send rate limit")
	}
	data, err := b.doRequest(ctx, http.MethodPost, req, nil)
	if err != nil {
		return errors.Wrap(err, "send")
	}
	// The hosted endpoint sometimes answers a successful append with an empty
	// body.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	resp, err := decodeJSON[SendResponse](data)
	if err != nil {
		return errors.Wrap(err, "send")
	}
	if !resp.Success {
		return failure(resp.Error)
	}
	return nil
}

// ============================================================================
// Accounts
// ============================================================================

func (b *HTTPBackend) Register(ctx context.Context, username, phone, displayName string) (*User, error) {
	payload := map[string]interface{}{
		"action":       "register",
		"username":     username,
		"phone_number": phone,
		"display_name": displayName,
	}
	return b.login(ctx, "register", payload)
}

func (b *HTTPBackend) Login(ctx context.Context, username, phone string) (*User, error) {
	payload := map[string]interface{}{
		"action":       "login",
		"username":     username,
		"phone_number": phone,
	}
	return b.login(ctx, "login", payload)
}

func (b *HTTPBackend) login(ctx context.Context, action string, payload map[string]interface{}) (*User, error) {
	data, err := b.doRequest(ctx, http.MethodPost, payload, nil)
	if err != nil {
		return nil, errors.Wrap(err, action)
	}
	resp, err := decodeJSON[LoginResponse](data)
	if err != nil {
		return nil, errors.Wrap(err, action)
	}
	if !resp.Success {
		return nil, failure(resp.Error)
	}
	if resp.User == nil {
		return nil, errors.Errorf("%s: response carried no user", action)
	}
	return resp.User, nil
}

func (b *HTTPBackend) ListUsers(ctx context.Context, search string) ([]User, error) {
	data, err := b.doRequest(ctx, http.MethodGet, nil, map[string]string{
		"action": "get_users",
		"search": search,
	})
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	resp, err := decodeJSON[UsersResponse](data)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	if !resp.Success {
		return nil, failure(resp.Error)
	}
	return resp.Users, nil
}

func (b *HTTPBackend) UpdateProfile(ctx context.Context, userID, displayName, status string) error {
	data, err := b.doRequest(ctx, http.MethodPost, map[string]interface{}{
		"action":       "update_profile",
		"user_id":      userID,
		"display_name": displayName,
		"status":       status,
	}, nil)
	if err != nil {
		return errors.Wrap(err, "update profile")
	}
	resp, err := decodeJSON[SendResponse](data)
	if err != nil {
		return errors.Wrap(err, "update profile")
	}
	if !resp.Success {
		return failure(resp.Error)
	}
	return nil
}

func (b *HTTPBackend) SaveSubscription(ctx context.Context, userID string, sub PushSubscription) error {
	data, err := b.doRequest(ctx, http.MethodPost, map[string]interface{}{
		"action":       "save_subscription",
		"user_id":      userID,
		"subscription": sub,
	}, nil)
	if err != nil {
		return errors.Wrap(err, "save subscription")
	}
	resp, err := decodeJSON[SendResponse](data)
	if err != nil {
		return errors.Wrap(err, "save subscription")
	}
	if !resp.Success {
		return failure(resp.Error)
	}
	return nil
}
