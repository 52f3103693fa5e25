package chatsync

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Cross-client scenarios
// ============================================================================

func TestSharedIDAgreement(t *testing.T) {
	ctx := context.Background()
	sh := &sheet{}
	mock := newMockClock()
	mock.Add(321 * time.Millisecond)
	a := newTestClient(t, "A", sh, mock)
	b := newTestClient(t, "B", sh, mock)

	sent, err := a.Send(ctx, GroupChatID, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "GROUP", sh.lastSent().Receiver)
	assert.Equal(t, "2026-03-14T09:26:53.321Z", sh.lastSent().Timestamp)

	require.NoError(t, b.Tick(ctx))
	got, chatID, ok := b.Message(sent.SharedID)
	require.True(t, ok, "B finds A's message by its shared id")
	assert.Equal(t, GroupChatID, chatID)
	assert.Equal(t, sent.SharedID, got.SharedID)
	assert.Equal(t, "Hello", got.Text)
	assert.NotEqual(t, sent.LocalID, got.LocalID)
	assert.Equal(t, []string{"A"}, b.GroupMembers(GroupChatID))
}

func TestCrossClientReaction(t *testing.T) {
	ctx := context.Background()
	sh := &sheet{}
	mock := newMockClock()
	a := newTestClient(t, "A", sh, mock)
	b := newTestClient(t, "B", sh, mock)
	events := record(a)

	sent, err := a.Send(ctx, GroupChatID, "Hello")
	require.NoError(t, err)
	require.NoError(t, b.Tick(ctx))

	action, err := b.React(ctx, sent.SharedID, "👍")
	require.NoError(t, err)
	assert.Equal(t, ReactionAdd, action)
	assert.Equal(t, "[REACTION:"+sent.SharedID+":👍:B:add]", sh.lastSent().Message)

	require.NoError(t, a.Tick(ctx))
	mine, _, ok := a.Message(sent.LocalID)
	require.True(t, ok)
	require.Contains(t, mine.Reactions, "👍")
	assert.Equal(t, 1, mine.Reactions["👍"].Count)
	assert.Equal(t, []string{"B"}, mine.Reactions["👍"].Users)

	applied, ok := events.last(EventReactionApplied).(ReactionEventData)
	require.True(t, ok)
	assert.Equal(t, ResolvedBySharedID, applied.Resolution)
	assert.True(t, applied.OnOwnMessage)

	// re-polling the same records changes nothing
	require.NoError(t, a.Tick(ctx))
	mine, _, _ = a.Message(sent.LocalID)
	assert.Equal(t, 1, mine.Reactions["👍"].Count)
	assert.Equal(t, 1, events.count(EventReactionApplied))

	// toggling off reaches A as a remove
	action, err = b.React(ctx, sent.SharedID, "👍")
	require.NoError(t, err)
	assert.Equal(t, ReactionRemove, action)
	require.NoError(t, a.Tick(ctx))
	mine, _, _ = a.Message(sent.LocalID)
	assert.Empty(t, mine.Reactions)
}

func TestUnresolvedReaction(t *testing.T) {
	sh := &sheet{}
	a := newTestClient(t, "A", sh, newMockClock())
	events := record(a)
	sh.push("B", "GROUP", "[REACTION:shared_gone:👍:B:add]", testEpoch)
	require.NoError(t, a.Tick(context.Background()))

	data, ok := events.last(EventReactionUnresolved).(UnresolvedReactionData)
	require.True(t, ok)
	assert.Equal(t, "shared_gone", data.TargetID)
	assert.Contains(t, data.Notice, "B")
}

func TestReplyAcrossClients(t *testing.T) {
	ctx := context.Background()
	sh := &sheet{}
	mock := newMockClock()
	a := newTestClient(t, "A", sh, mock)
	b := newTestClient(t, "B", sh, mock)

	orig, err := a.Send(ctx, GroupChatID, "Are we on for lunch?")
	require.NoError(t, err)
	require.NoError(t, b.Tick(ctx))

	mock.Add(10 * time.Second)
	reply, err := b.Reply(ctx, GroupChatID, orig.SharedID, "yes, noon")
	require.NoError(t, err)
	assert.True(t, reply.IsReply)
	assert.Equal(t, "[REPLY_TO:"+ReplyIdentifier("A", orig.Text)+":A] Are we on for lunch? || yes, noon", sh.lastSent().Message)

	require.NoError(t, a.Tick(ctx))
	got, _, ok := a.Message(reply.SharedID)
	require.True(t, ok)
	assert.Equal(t, "yes, noon", got.Text)
	assert.Equal(t, "A", got.ReplyTo.Sender)

	target, how, err := a.ResolveReply(reply.SharedID)
	require.NoError(t, err)
	assert.Equal(t, ReplyByIdentifier, how)
	assert.Equal(t, orig.LocalID, target.LocalID)
}

func TestReplyFallbackToSender(t *testing.T) {
	ctx := context.Background()
	sh := &sheet{}
	a := newTestClient(t, "A", sh, newMockClock())

	orig, err := a.Send(ctx, GroupChatID, "Are we on for lunch?")
	require.NoError(t, err)
	// a client that hashed different text produced this identifier
	rec := sh.push("B", "GROUP", "[REPLY_TO:msg_zzz:A] Are we on for dinner? || sure", testEpoch.Add(time.Minute))
	require.NoError(t, a.Tick(ctx))

	hits := a.Search("sure", 1)
	require.Len(t, hits, 1)
	assert.Equal(t, rec.MessageID, hits[0].Message.RecordID)

	target, how, err := a.ResolveReply(hits[0].Message.LocalID)
	require.NoError(t, err)
	assert.Equal(t, ReplyBySender, how)
	assert.Equal(t, orig.LocalID, target.LocalID)
}

func TestForward(t *testing.T) {
	ctx := context.Background()
	sh := &sheet{}
	mock := newMockClock()
	a := newTestClient(t, "A", sh, mock)
	sh.push("B", "GROUP", "big news", testEpoch)
	require.NoError(t, a.Tick(ctx))
	_, err := a.AddContact("carl")
	require.NoError(t, err)

	hits := a.Search("big news", 0)
	require.Len(t, hits, 1)
	fwd, err := a.Forward(ctx, hits[0].Message.LocalID, "carl")
	require.NoError(t, err)
	assert.True(t, fwd.IsForwarded)
	assert.Equal(t, "B", fwd.OriginalSender)
	assert.Equal(t, "↪ Forwarded from B: big news", fwd.DisplayText())
	assert.Equal(t, "[FORWARDED_FROM:B] big news", sh.lastSent().Message)
	assert.Equal(t, "carl", sh.lastSent().Receiver)

	// forwarding a forward keeps the first author
	mock.Add(2 * time.Second)
	again, err := a.Forward(ctx, fwd.LocalID, GroupChatID)
	require.NoError(t, err)
	assert.Equal(t, "B", again.OriginalSender)
}

// ============================================================================
// Ingestion rules
// ============================================================================

func TestSelfEcho(t *testing.T) {
	ctx := context.Background()
	sh := &sheet{}
	mock := newMockClock()
	a := newTestClient(t, "A", sh, mock)

	_, err := a.Send(ctx, GroupChatID, "ping")
	require.NoError(t, err)
	mock.Add(2 * time.Second)
	require.NoError(t, a.Tick(ctx))
	chat, _ := a.Chat(GroupChatID)
	assert.Len(t, chat.Messages, 1, "own echo is not appended twice")

	// older own records are history written by another session
	sh.push("A", "bob", "sent from my phone", testEpoch.Add(-time.Hour))
	require.NoError(t, a.Tick(ctx))
	bob, ok := a.Chat("bob")
	require.True(t, ok)
	require.Len(t, bob.Messages, 1)
	assert.Equal(t, 0, bob.UnreadCount)
}

func TestSeenRecordsNeverApplyTwice(t *testing.T) {
	sh := &sheet{}
	a := newTestClient(t, "A", sh, newMockClock())
	rec := Record{SenderID: "B", ReceiverID: "GROUP", Content: "once", Timestamp: FormatTimestamp(testEpoch), MessageID: "r-1"}
	a.Ingest([]Record{rec, rec})
	a.Ingest([]Record{rec})

	chat, _ := a.Chat(GroupChatID)
	assert.Len(t, chat.Messages, 1)

	// records without ids fall back to the content duplicate check
	noID := Record{SenderID: "B", ReceiverID: "GROUP", Content: "twice", Timestamp: FormatTimestamp(testEpoch)}
	a.Ingest([]Record{noID, noID})
	chat, _ = a.Chat(GroupChatID)
	assert.Len(t, chat.Messages, 2)
}

func TestBackendStampedSharedID(t *testing.T) {
	a := newTestClient(t, "A", &sheet{}, newMockClock())
	a.Ingest([]Record{{SenderID: "B", ReceiverID: "GROUP", Content: "hi", Timestamp: FormatTimestamp(testEpoch), SharedID: "shared_backend"}})

	got, _, ok := a.Message("shared_backend")
	require.True(t, ok, "the stamped id still addresses the message")
	assert.Equal(t, SharedID("B", "GROUP", "hi", testEpoch), got.SharedID)
	assert.Equal(t, "shared_backend", got.RecordSharedID)
}

func TestCrossClientReactionWithStampedSharedID(t *testing.T) {
	ctx := context.Background()
	sh := &sheet{stamp: true}
	mock := newMockClock()
	a := newTestClient(t, "A", sh, mock)
	b := newTestClient(t, "B", sh, mock)
	events := record(a)

	sent, err := a.Send(ctx, GroupChatID, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "shared_w2m4zr", sent.SharedID)

	mock.Add(10 * time.Minute)
	require.NoError(t, b.Tick(ctx))
	theirs, _, ok := b.Message(sent.SharedID)
	require.True(t, ok)
	assert.Equal(t, sent.SharedID, theirs.SharedID, "both copies agree on the content hash")
	assert.Equal(t, "shared_srv1", theirs.RecordSharedID)

	_, err = b.React(ctx, theirs.LocalID, "👍")
	require.NoError(t, err)
	assert.Equal(t, "[REACTION:"+sent.SharedID+":👍:B:add]", sh.lastSent().Message)

	require.NoError(t, a.Tick(ctx))
	mine, _, ok := a.Message(sent.LocalID)
	require.True(t, ok)
	require.Contains(t, mine.Reactions, "👍")
	assert.Equal(t, 1, mine.Reactions["👍"].Count)
	assert.Equal(t, []string{"B"}, mine.Reactions["👍"].Users)
	assert.Equal(t, 0, events.count(EventReactionUnresolved))
	applied, ok := events.last(EventReactionApplied).(ReactionEventData)
	require.True(t, ok)
	assert.Equal(t, ResolvedBySharedID, applied.Resolution)

	// the sender picked up the stamped id from its own record
	assert.Equal(t, "shared_srv1", mine.RecordSharedID)
	sh.push("C", "GROUP", "[REACTION:shared_srv1:❤️:C:add]", mock.Now())
	require.NoError(t, a.Tick(ctx))
	mine, _, _ = a.Message(sent.LocalID)
	assert.Equal(t, 1, mine.ReactionCount("❤️"))
	assert.Equal(t, 0, events.count(EventReactionUnresolved))
}

func TestUnparseableTimestampUsesReceiptTime(t *testing.T) {
	a := newTestClient(t, "A", &sheet{}, newMockClock())
	a.Ingest([]Record{{SenderID: "B", ReceiverID: "GROUP", Content: "when?", Timestamp: "soon", MessageID: "r"}})
	chat, _ := a.Chat(GroupChatID)
	require.Len(t, chat.Messages, 1)
	assert.True(t, testEpoch.Equal(chat.Messages[0].Timestamp))
}

func TestUnreadCounting(t *testing.T) {
	sh := &sheet{}
	a := newTestClient(t, "A", sh, newMockClock())
	events := record(a)
	ctx := context.Background()

	require.NoError(t, a.MarkRead(GroupChatID))
	for i := 1; i <= 3; i++ {
		sh.push("B", "GROUP", "msg", testEpoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, a.Tick(ctx))
		assert.Equal(t, i, a.UnreadCounts()[GroupChatID])
	}
	data, ok := events.last(EventUnreadChanged).(UnreadEventData)
	require.True(t, ok)
	assert.True(t, data.HasUnread)

	require.NoError(t, a.MarkRead(GroupChatID))
	assert.Equal(t, 0, a.UnreadCounts()[GroupChatID])
	assert.False(t, a.RefreshUnread())

	// own messages never count
	_, err := a.Send(ctx, GroupChatID, "mine")
	require.NoError(t, err)
	a.RefreshUnread()
	assert.Equal(t, 0, a.UnreadCounts()[GroupChatID])
}

func TestOpenChatStaysRead(t *testing.T) {
	sh := &sheet{}
	a := newTestClient(t, "A", sh, newMockClock())
	events := record(a)

	_, err := a.OpenChat(GroupChatID)
	require.NoError(t, err)
	assert.Equal(t, GroupChatID, a.OpenChatID())

	sh.push("B", "GROUP", "while you look", testEpoch.Add(time.Second))
	require.NoError(t, a.Tick(context.Background()))
	assert.Equal(t, 0, a.UnreadCounts()[GroupChatID])

	data, ok := events.last(EventMessageNew).(MessageEventData)
	require.True(t, ok)
	assert.False(t, data.Background)

	a.RefreshUnread()
	assert.Equal(t, 0, a.UnreadCounts()[GroupChatID])

	_, err = a.OpenChat("nobody")
	assert.ErrorIs(t, err, ErrUnknownChat)
}

// ============================================================================
// Requests, contacts and blocking
// ============================================================================

func TestStrangerRequestDeclined(t *testing.T) {
	sh := &sheet{}
	a := newTestClient(t, "A", sh, newMockClock())
	events := record(a)
	ctx := context.Background()
	require.NoError(t, a.SetPrivacy(PrivacySettings{WhoCanMessage: AllowContacts}))

	sh.push("C", "A", "hi, we met yesterday", testEpoch)
	sh.push("C", "A", "it's C", testEpoch.Add(time.Second))
	require.NoError(t, a.Tick(ctx))

	_, normal := a.Chat("C")
	assert.False(t, normal, "no normal chat for a stranger")
	reqs := a.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, RequestChatID("C"), reqs[0].ID)
	assert.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, StatePending, a.State("C"))
	assert.Equal(t, 1, events.count(EventRequestNew))

	_, err := a.Send(ctx, RequestChatID("C"), "hello?")
	assert.ErrorIs(t, err, ErrRequestChat)
	_, err = a.React(ctx, reqs[0].Messages[0].LocalID, "👍")
	assert.ErrorIs(t, err, ErrRequestChat)

	require.NoError(t, a.DeclineRequest("C"))
	assert.Equal(t, StateStranger, a.State("C"))
	_, ok := a.Chat(RequestChatID("C"))
	assert.False(t, ok)
	removed, ok := events.last(EventChatRemoved).(ChatRemovedData)
	require.True(t, ok)
	assert.Equal(t, "declined", removed.Reason)

	assert.Error(t, a.DeclineRequest("C"))
}

func TestStrangerRequestAccepted(t *testing.T) {
	sh := &sheet{}
	a := newTestClient(t, "A", sh, newMockClock())
	ctx := context.Background()

	sh.push("C", "A", "hi", testEpoch.Add(-time.Minute))
	sh.push("C", "A", "are you there", testEpoch.Add(-30*time.Second))
	require.NoError(t, a.Tick(ctx))
	require.Len(t, a.Requests(), 1)

	chat, err := a.AcceptRequest("C")
	require.NoError(t, err)
	assert.Equal(t, KindIndividual, chat.Kind)
	assert.Len(t, chat.Messages, 2)
	assert.Equal(t, 2, chat.UnreadCount)
	assert.Equal(t, []string{"C"}, a.Contacts())
	assert.Empty(t, a.Requests())

	// further messages go straight to the chat
	sh.push("C", "A", "great", testEpoch.Add(time.Second))
	require.NoError(t, a.Tick(ctx))
	c, _ := a.Chat("C")
	assert.Len(t, c.Messages, 3)
	assert.Equal(t, 3, c.UnreadCount)
}

func TestPrivacyNobodyDrops(t *testing.T) {
	sh := &sheet{}
	a := newTestClient(t, "A", sh, newMockClock())
	require.NoError(t, a.SetPrivacy(PrivacySettings{WhoCanMessage: AllowNobody}))
	sh.push("D", "A", "let me in", testEpoch)
	require.NoError(t, a.Tick(context.Background()))
	assert.Empty(t, a.Requests())
	_, ok := a.Chat("D")
	assert.False(t, ok)
	assert.Equal(t, StateStranger, a.State("D"))
}

func TestBlockedSenderDropped(t *testing.T) {
	sh := &sheet{}
	a := newTestClient(t, "A", sh, newMockClock())
	events := record(a)
	_, err := a.AddContact("E")
	require.NoError(t, err)

	require.NoError(t, a.Block("E"))
	removed, ok := events.last(EventChatRemoved).(ChatRemovedData)
	require.True(t, ok)
	assert.Equal(t, "E", removed.ChatID)

	sh.push("E", "A", "direct", testEpoch.Add(time.Second))
	sh.push("E", "GROUP", "in the group", testEpoch.Add(time.Second))
	require.NoError(t, a.Tick(context.Background()))
	_, ok = a.Chat("E")
	assert.False(t, ok)
	group, _ := a.Chat(GroupChatID)
	assert.Empty(t, group.Messages)
	assert.Equal(t, []string{"E"}, a.Blocked())

	require.NoError(t, a.Unblock("E"))
	assert.Equal(t, StateStranger, a.State("E"))
}

func TestBlockedUserReactionsIgnored(t *testing.T) {
	ctx := context.Background()
	sh := &sheet{}
	a := newTestClient(t, "A", sh, newMockClock())
	events := record(a)

	sent, err := a.Send(ctx, GroupChatID, "rate this")
	require.NoError(t, err)
	require.NoError(t, a.Block("E"))

	sh.push("E", "GROUP", "[REACTION:"+sent.SharedID+":👎:E:add]", testEpoch.Add(time.Second))
	require.NoError(t, a.Tick(ctx))
	mine, _, ok := a.Message(sent.LocalID)
	require.True(t, ok)
	assert.Empty(t, mine.Reactions)
	assert.Equal(t, 0, events.count(EventReactionApplied))
	assert.Equal(t, 0, events.count(EventReactionUnresolved))

	// once unblocked their reactions count again
	require.NoError(t, a.Unblock("E"))
	sh.push("E", "GROUP", "[REACTION:"+sent.SharedID+":👍:E:add]", testEpoch.Add(2*time.Second))
	require.NoError(t, a.Tick(ctx))
	mine, _, _ = a.Message(sent.LocalID)
	assert.Equal(t, 1, mine.ReactionCount("👍"))
	assert.Equal(t, 0, mine.ReactionCount("👎"))
}

func TestChatWithoutAdding(t *testing.T) {
	a := newTestClient(t, "A", &sheet{}, newMockClock())
	events := record(a)
	chat, err := a.ChatWithoutAdding("F")
	require.NoError(t, err)
	assert.True(t, chat.Temporary)

	_, err = a.OpenChat("F")
	require.NoError(t, err)
	a.CloseChat()
	_, ok := a.Chat("F")
	assert.False(t, ok)
	assert.Equal(t, 1, events.count(EventChatRemoved))
}

// ============================================================================
// Sending
// ============================================================================

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		a := newTestClient(t, "A", &sheet{}, newMockClock())
		_, err := a.Send(ctx, GroupChatID, "   ")
		assert.Error(t, err)
		_, err = a.Send(ctx, "ghost", "hi")
		assert.ErrorIs(t, err, ErrUnknownChat)
		_, err = a.React(ctx, "missing", "👍")
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("no backend", func(t *testing.T) {
		c, err := NewClient("A", WithClock(newMockClock()))
		require.NoError(t, err)
		_, err = c.Send(ctx, GroupChatID, "hi")
		assert.Error(t, err)
	})

	t.Run("duplicate local send is suppressed", func(t *testing.T) {
		sh := &sheet{}
		a := newTestClient(t, "A", sh, newMockClock())
		_, err := a.Send(ctx, GroupChatID, "double click")
		require.NoError(t, err)
		_, err = a.Send(ctx, GroupChatID, "double click")
		require.NoError(t, err)
		assert.Len(t, sh.sent, 1)
		chat, _ := a.Chat(GroupChatID)
		assert.Len(t, chat.Messages, 1)
	})

	t.Run("failure keeps the local copy and emits send.failed", func(t *testing.T) {
		sh := &sheet{sendErr: errors.New("offline")}
		a := newTestClient(t, "A", sh, newMockClock())
		events := record(a)
		_, err := a.Send(ctx, GroupChatID, "lost?")
		assert.Error(t, err)
		chat, _ := a.Chat(GroupChatID)
		assert.Len(t, chat.Messages, 1)
		failed, ok := events.last(EventSendFailed).(SendFailedData)
		require.True(t, ok)
		assert.Equal(t, "lost?", failed.Text)
	})

	t.Run("backend refusal without a reason emits send.failed", func(t *testing.T) {
		backend, _ := newBackendServer(t, func(r *capturedRequest) (int, string) {
			return 200, `{"success":false}`
		})
		a := newTestClient(t, "A", backend, newMockClock())
		events := record(a)
		_, err := a.Send(ctx, GroupChatID, "refused")
		require.Error(t, err)
		failed, ok := events.last(EventSendFailed).(SendFailedData)
		require.True(t, ok)
		assert.Equal(t, "refused", failed.Text)
		assert.Contains(t, failed.Error, "request was not successful")
	})

	t.Run("group sends register membership", func(t *testing.T) {
		a := newTestClient(t, "A", &sheet{}, newMockClock())
		_, err := a.Send(ctx, GroupChatID, "hi all")
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, a.GroupMembers(GroupChatID))
	})

	t.Run("invalid emoji", func(t *testing.T) {
		a := newTestClient(t, "A", &sheet{}, newMockClock())
		m, err := a.Send(ctx, GroupChatID, "react to me")
		require.NoError(t, err)
		_, err = a.React(ctx, m.LocalID, "a:b")
		assert.Error(t, err)
		_, err = a.React(ctx, m.LocalID, "")
		assert.Error(t, err)
	})
}

// ============================================================================
// Persistence
// ============================================================================

func TestClientRestore(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	sh := &sheet{}
	mock := newMockClock()

	first, err := NewClient("A", WithBackend(sh), WithClock(mock), WithKV(kv))
	require.NoError(t, err)
	m, err := first.Send(ctx, GroupChatID, "remember me")
	require.NoError(t, err)
	_, err = first.React(ctx, m.LocalID, "⭐")
	require.NoError(t, err)
	_, err = first.AddContact("bob")
	require.NoError(t, err)
	require.NoError(t, first.Tick(ctx))
	require.NoError(t, first.Save())

	second := newTestClient(t, "A", sh, mock, WithKV(kv))
	got, chatID, ok := second.Message(m.LocalID)
	require.True(t, ok)
	assert.Equal(t, GroupChatID, chatID)
	assert.Equal(t, 1, got.ReactionCount("⭐"))
	assert.Equal(t, []string{"bob"}, second.Contacts())
	_, ok = second.Chat("bob")
	assert.True(t, ok)

	raw, ok, err := kv.Get(keyCursor)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, FormatTimestamp(testEpoch), string(raw))
}

func TestSnapshot(t *testing.T) {
	a := newTestClient(t, "A", &sheet{}, newMockClock())
	_, err := a.AddContact("bob")
	require.NoError(t, err)
	snap := a.Snapshot()
	assert.Equal(t, "A", snap.User)
	assert.Equal(t, []string{"bob"}, snap.Contacts)
	assert.Len(t, snap.Chats, 2)
}

func TestNewClientRequiresUser(t *testing.T) {
	_, err := NewClient("  ")
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

// ============================================================================
// Sync loop and metrics
// ============================================================================

func TestRunPollsOnEveryTick(t *testing.T) {
	sh := &sheet{}
	mock := newMockClock()
	a := newTestClient(t, "A", sh, mock, WithPollInterval(time.Second), WithRefreshInterval(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return sh.pollCount() >= 1 }, time.Second, 5*time.Millisecond)
	sh.push("B", "GROUP", "tick", testEpoch.Add(time.Second))
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return sh.pollCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		chat, _ := a.Chat(GroupChatID)
		return len(chat.Messages) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestPollFailureIsCounted(t *testing.T) {
	sh := &sheet{pollErr: errors.New("503")}
	a := newTestClient(t, "A", sh, newMockClock())
	assert.Error(t, a.Tick(context.Background()))

	sh.mu.Lock()
	sh.pollErr = nil
	sh.mu.Unlock()
	sh.push("B", "GROUP", "back", testEpoch)
	require.NoError(t, a.Tick(context.Background()))

	srv := httptest.NewServer(a.Metrics().Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `chatsync_polls_total{outcome="error"} 1`)
	assert.Contains(t, text, `chatsync_polls_total{outcome="ok"} 1`)
	assert.Contains(t, text, `chatsync_records_total{outcome="delivered"} 1`)
	assert.True(t, strings.Contains(text, "chatsync_seen_records 1"))
}

// gatedSheet holds every Poll until the test releases it.
type gatedSheet struct {
	*sheet
	calls chan chan struct{}

	mu     sync.Mutex
	sinces []time.Time
}

func (g *gatedSheet) Poll(ctx context.Context, userID string, since time.Time) ([]Record, error) {
	g.mu.Lock()
	g.sinces = append(g.sinces, since)
	g.mu.Unlock()
	gate := make(chan struct{})
	g.calls <- gate
	select {
	case <-gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.sheet.Poll(ctx, userID, since)
}

func TestOverlappingTicks(t *testing.T) {
	ctx := context.Background()
	gs := &gatedSheet{sheet: &sheet{}, calls: make(chan chan struct{})}
	mock := newMockClock()
	kv := NewMemoryKV()
	a := newTestClient(t, "A", gs, mock, WithKV(kv))
	events := record(a)

	// delivered newest first
	gs.push("B", "GROUP", "third", testEpoch.Add(-time.Second))
	gs.push("B", "GROUP", "second", testEpoch.Add(-2*time.Second))
	gs.push("B", "GROUP", "first", testEpoch.Add(-3*time.Second))

	errs := make(chan error, 2)
	go func() { errs <- a.Tick(ctx) }()
	early := <-gs.calls

	mock.Add(time.Minute)
	later := mock.Now()
	go func() { errs <- a.Tick(ctx) }()
	late := <-gs.calls

	close(late)
	require.NoError(t, <-errs)
	close(early)
	require.NoError(t, <-errs)

	assert.Equal(t, 3, events.count(EventMessageNew), "each record is applied once")
	chat, _ := a.Chat(GroupChatID)
	texts := make([]string, 0, len(chat.Messages))
	for _, m := range chat.Messages {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"third", "second", "first"}, texts, "arrival order is kept")

	raw, ok, err := kv.Get("lastMessageFetch")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, FormatTimestamp(later), string(raw), "the slower, older tick does not move the cursor back")

	// the next poll asks from the later start
	go func() { errs <- a.Tick(ctx) }()
	close(<-gs.calls)
	require.NoError(t, <-errs)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	require.Len(t, gs.sinces, 3)
	assert.True(t, later.Equal(gs.sinces[2]))
	assert.Equal(t, 3, events.count(EventMessageNew))
}

// ============================================================================
// Account
// ============================================================================

func TestAccountActions(t *testing.T) {
	ctx := context.Background()
	sh := &sheet{users: []User{{UserID: "u-A", Username: "A"}, {UserID: "u-B", Username: "B"}}}
	kv := NewMemoryKV()

	_, err := CurrentUser(kv)
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	u, err := Register(ctx, sh, kv, "A", "555")
	require.NoError(t, err)
	assert.Equal(t, "u-A", u.UserID)
	cur, err := CurrentUser(kv)
	require.NoError(t, err)
	assert.Equal(t, "A", cur.Username)

	_, err = Login(ctx, sh, kv, " ", "")
	assert.Error(t, err)

	a := newTestClient(t, "A", sh, newMockClock(), WithKV(kv), WithUserID(u.UserID))
	p, ok := a.Profile()
	require.True(t, ok)
	assert.Equal(t, "A", p.Name)

	require.NoError(t, a.UpdateProfile(ctx, "Amy", "away"))
	p, _ = a.Profile()
	assert.Equal(t, "away", p.Status)

	users, err := a.SearchUsers(ctx, "")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "B", users[0].Username)

	require.NoError(t, a.SavePushSubscription(ctx, PushSubscription(`{"endpoint":"e"}`)))
	assert.Error(t, a.SavePushSubscription(ctx, PushSubscription(`nope`)))
}
