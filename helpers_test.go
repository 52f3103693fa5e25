package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	testEpoch  = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	zerologNop = zerolog.Nop()
)

// sheet is an in-memory append/poll backend shared by several clients.
type sheet struct {
	mu      sync.Mutex
	records []Record
	sent    []SendRequest
	polls   int
	next    int

	pollErr error
	sendErr error
	users   []User
	// stamp makes the sheet assign its own shared_id to every record.
	stamp bool
}

func (s *sheet) Poll(ctx context.Context, userID string, since time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	return append([]Record(nil), s.records...), nil
}

func (s *sheet) Send(ctx context.Context, req *SendRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, *req)
	if s.sendErr != nil {
		return s.sendErr
	}
	s.next++
	s.records = append(s.records, Record{
		SenderID:   req.Sender,
		ReceiverID: req.Receiver,
		Content:    req.Message,
		Timestamp:  req.Timestamp,
		MessageID:  fmt.Sprintf("rec-%d", s.next),
		SharedID:   s.stampID(),
	})
	return nil
}

func (s *sheet) stampID() string {
	if !s.stamp {
		return ""
	}
	return fmt.Sprintf("shared_srv%d", s.next)
}

func (s *sheet) Register(ctx context.Context, username, phone, displayName string) (*User, error) {
	return &User{UserID: "u-" + username, Username: username, DisplayName: displayName, PhoneNumber: phone}, nil
}

func (s *sheet) Login(ctx context.Context, username, phone string) (*User, error) {
	return &User{UserID: "u-" + username, Username: username, PhoneNumber: phone}, nil
}

func (s *sheet) ListUsers(ctx context.Context, search string) ([]User, error) {
	return s.users, nil
}

func (s *sheet) UpdateProfile(ctx context.Context, userID, displayName, status string) error {
	return nil
}

func (s *sheet) SaveSubscription(ctx context.Context, userID string, sub PushSubscription) error {
	return nil
}

// push appends a record as if another client had written it.
func (s *sheet) push(sender, receiver, content string, ts time.Time) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	rec := Record{
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Timestamp:  FormatTimestamp(ts),
		MessageID:  fmt.Sprintf("rec-%d", s.next),
		SharedID:   s.stampID(),
	}
	s.records = append(s.records, rec)
	return rec
}

func (s *sheet) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func (s *sheet) lastSent() SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

func newMockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(testEpoch)
	return mock
}

func newTestClient(t *testing.T, self string, backend Backend, clk clock.Clock, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithBackend(backend), WithClock(clk)}, opts...)
	c, err := NewClient(self, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func record(c *Client) *recorder {
	r := &recorder{}
	c.OnAny(func(event string, payload any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
		r.data = append(r.data, payload)
	})
	return r
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) last(event string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i] == event {
			return r.data[i]
		}
	}
	return nil
}

func newTestStore() (*Store, *LocalState) {
	return NewStore(), NewLocalState(NewMemoryKV(), zerologNop)
}
