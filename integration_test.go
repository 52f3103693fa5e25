//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sheetchat/chatsync"
)

// helpers ---------------------------------------------------------------

func backendURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("CHATSYNC_BACKEND_URL_TEST")
	if url == "" {
		t.Fatal("CHATSYNC_BACKEND_URL_TEST environment variable is required")
	}
	return url
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// newUser registers a fresh account and returns a client signed in as it.
func newUser(t *testing.T, prefix string) *chatsync.Client {
	t.Helper()
	backend := chatsync.NewHTTPBackend(backendURL(t))
	kv := chatsync.NewMemoryKV()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	user, err := chatsync.Register(ctx, backend, kv, uniqueName(prefix), "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	client, err := chatsync.NewClient(user.Username,
		chatsync.WithBackend(backend),
		chatsync.WithKV(kv),
		chatsync.WithUserID(user.UserID),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// pollUntil ticks c until cond holds or the deadline passes.
func pollUntil(t *testing.T, c *chatsync.Client, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Tick(ctx)
		cancel()
		if err != nil {
			t.Logf("tick: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(time.Second)
	}
	t.Fatal("condition not met before deadline")
}

// =======================================================================
// Group chat
// =======================================================================

func TestIntegration_GroupMessageSharedID(t *testing.T) {
	alice := newUser(t, "alice")
	bob := newUser(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text := uniqueName("hello")
	sent, err := alice.Send(ctx, chatsync.GroupChatID, text)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	t.Logf("sent %s shared=%s", sent.LocalID, sent.SharedID)

	var got chatsync.Message
	pollUntil(t, bob, func() bool {
		for _, h := range bob.Search(text, 1) {
			got = *h.Message
			return true
		}
		return false
	})
	if got.Sender != alice.Self() {
		t.Errorf("sender = %q, want %q", got.Sender, alice.Self())
	}
	if got.SharedID != sent.SharedID {
		t.Errorf("shared id = %q, want %q", got.SharedID, sent.SharedID)
	}
}

func TestIntegration_ReactionRoundTrip(t *testing.T) {
	alice := newUser(t, "alice")
	bob := newUser(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text := uniqueName("react-to-me")
	sent, err := alice.Send(ctx, chatsync.GroupChatID, text)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	pollUntil(t, bob, func() bool {
		_, _, ok := bob.Message(sent.SharedID)
		return ok
	})
	if _, err := bob.React(ctx, sent.SharedID, "👍"); err != nil {
		t.Fatalf("React: %v", err)
	}

	pollUntil(t, alice, func() bool {
		m, _, ok := alice.Message(sent.LocalID)
		return ok && m.ReactionCount("👍") == 1
	})
}

// =======================================================================
// Requests
// =======================================================================

func TestIntegration_StrangerRequest(t *testing.T) {
	alice := newUser(t, "alice")
	bob := newUser(t, "bob")

	if _, err := alice.ChatWithoutAdding(bob.Self()); err != nil {
		t.Fatalf("ChatWithoutAdding: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := alice.Send(ctx, bob.Self(), "hi, it's alice"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	pollUntil(t, bob, func() bool { return len(bob.Requests()) == 1 })
	if got := bob.State(alice.Self()); got != chatsync.StatePending {
		t.Errorf("state = %q, want %q", got, chatsync.StatePending)
	}

	chat, err := bob.AcceptRequest(alice.Self())
	if err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	if len(chat.Messages) != 1 {
		t.Errorf("accepted chat has %d messages, want 1", len(chat.Messages))
	}
}

// =======================================================================
// Accounts
// =======================================================================

func TestIntegration_UserDirectory(t *testing.T) {
	alice := newUser(t, "alice")
	bob := newUser(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	users, err := alice.SearchUsers(ctx, bob.Self())
	if err != nil {
		t.Fatalf("SearchUsers: %v", err)
	}
	found := false
	for _, u := range users {
		if u.Username == bob.Self() {
			found = true
		}
		if u.Username == alice.Self() {
			t.Error("directory search returned the caller")
		}
	}
	if !found {
		t.Errorf("%s not found in %d users", bob.Self(), len(users))
	}
}
