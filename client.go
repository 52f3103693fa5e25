package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval    = time.Second
	DefaultRefreshInterval = 5 * time.Second

	keyChats = "chatApp_chats"
)

// ============================================================================
// Client
// ============================================================================

// Client is the coordinator owning all conversation state for one local
// user. Every mutation happens under a single mutex; network calls are made
// without it and their results applied under it. Events are emitted after
// the mutex is released, so handlers may call back into the Client.
type Client struct {
	*emitter

	self    string
	userID  string
	backend Backend
	kv      KV
	clock   clock.Clock
	log     zerolog.Logger

	pollInterval    time.Duration
	refreshInterval time.Duration
	seenCapacity    int

	mu        sync.Mutex
	state     *LocalState
	store     *Store
	reads     *ReadTracker
	lifecycle *Lifecycle
	reactions *Reconciler
	seen      *SeenSet
	metrics   *Metrics
	poller    *Poller
	openChat  string
	cursor    time.Time
}

type Option func(*Client)

func WithBackend(b Backend) Option {
	return func(c *Client) { c.backend = b }
}

func WithKV(kv KV) Option {
	return func(c *Client) { c.kv = kv }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithUserID sets the backend account id sent along with appends. It
// defaults to the local user name.
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

func WithRefreshInterval(d time.Duration) Option {
	return func(c *Client) { c.refreshInterval = d }
}

func WithSeenCapacity(n int) Option {
	return func(c *Client) { c.seenCapacity = n }
}

// NewClient creates a Client for the local user self and restores persisted
// state from its KV.
func NewClient(self string, opts ...Option) (*Client, error) {
	self = strings.TrimSpace(self)
	if self == "" {
		return nil, ErrNotLoggedIn
	}
	c := &Client{
		self:            self,
		clock:           clock.New(),
		log:             zerolog.Nop(),
		pollInterval:    DefaultPollInterval,
		refreshInterval: DefaultRefreshInterval,
		seenCapacity:    DefaultSeenCapacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.kv == nil {
		c.kv = NewMemoryKV()
	}
	if c.userID == "" {
		c.userID = self
	}
	c.log = c.log.With().Str("user", self).Logger()
	c.emitter = newEmitter(c.log)

	seen, err := NewSeenSet(c.seenCapacity)
	if err != nil {
		return nil, err
	}
	c.seen = seen
	c.state = NewLocalState(c.kv, c.log)
	c.store = NewStore()
	c.reads = NewReadTracker(c.state, self, c.clock)
	c.lifecycle = NewLifecycle(self, c.state, c.store, c.reads, c.clock, c.log)
	c.reactions = NewReconciler(c.store, c.state, c.log)
	c.metrics = NewMetrics(
		func() float64 { return float64(c.seen.Len()) },
		func() float64 {
			c.mu.Lock()
			defer c.mu.Unlock()
			return float64(len(c.lifecycle.Requests()))
		},
	)
	c.poller = newPoller(c)

	c.restore()
	return c, nil
}

// restore rebuilds the in-memory state from the KV.
func (c *Client) restore() {
	now := c.clock.Now()
	var chats []*Chat
	if c.state.loadJSON(keyChats, &chats) {
		for _, chat := range chats {
			if chat == nil || chat.ID == "" {
				continue
			}
			for _, m := range chat.Messages {
				c.reactions.Restore(m)
			}
			c.store.Put(chat)
		}
	}
	c.store.Ensure(GroupChatID, GroupChatID, KindGroup, now)
	for _, contact := range c.lifecycle.Contacts() {
		c.store.Ensure(contact, contact, KindIndividual, now)
	}
	c.store.LoadMembers(c.state.GroupMembers())

	if cur, ok := c.state.Cursor(); ok {
		c.cursor = cur
	} else {
		c.cursor = now
	}
	c.reads.RefreshAll(c.store.Chats(), "")
}

// Save persists the conversation logs so the next Client over the same KV
// starts from them.
func (c *Client) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveChats()
}

func (c *Client) saveChats() error {
	return c.state.saveJSON(keyChats, c.store.Chats())
}

// Close persists state, drops event handlers and closes the KV.
func (c *Client) Close() error {
	err := c.Save()
	c.removeAll()
	if cerr := c.kv.Close(); err == nil {
		err = cerr
	}
	return err
}

// Self returns the local user.
func (c *Client) Self() string { return c.self }

// Metrics returns the client's collectors.
func (c *Client) Metrics() *Metrics { return c.metrics }

// Logger returns the client's logger.
func (c *Client) Logger() zerolog.Logger { return c.log }

// ── Events ───────────────────────────────────────────────

type pendingEvent struct {
	name    string
	payload any
}

type eventBatch []pendingEvent

func (b *eventBatch) add(name string, payload any) {
	*b = append(*b, pendingEvent{name: name, payload: payload})
}

func (c *Client) flush(b eventBatch) {
	for _, ev := range b {
		c.emit(ev.name, ev.payload)
	}
}

// ============================================================================
// Reading state
// ============================================================================

// Chats returns a snapshot of every conversation, most recently active first.
func (c *Client) Chats() []Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	chats := c.store.Chats()
	out := make([]Chat, 0, len(chats))
	for _, chat := range chats {
		out = append(out, copyChat(chat))
	}
	return out
}

// Chat returns a snapshot of one conversation.
func (c *Client) Chat(id string) (Chat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat := c.store.Chat(id)
	if chat == nil {
		return Chat{}, false
	}
	return copyChat(chat), true
}

// Requests returns snapshots of the pending request chats.
func (c *Client) Requests() []Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Chat
	for _, chat := range c.lifecycle.Requests() {
		out = append(out, copyChat(chat))
	}
	return out
}

// Message returns a snapshot of the message with the given local or shared
// id and the id of its chat.
func (c *Client) Message(id string) (Message, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.locate(id)
	if !ok {
		return Message{}, "", false
	}
	return *copyMessage(loc.Message), loc.Chat.ID, true
}

func (c *Client) locate(id string) (Located, bool) {
	if loc, ok := c.store.FindByLocalID(id); ok {
		return loc, true
	}
	return c.store.FindBySharedID(id)
}

// Search returns messages containing query, newest first.
func (c *Client) Search(query string, limit int) []SearchHit {
	c.mu.Lock()
	defer c.mu.Unlock()
	hits := c.store.Search(query, limit)
	for i := range hits {
		hits[i].Message = copyMessage(hits[i].Message)
	}
	return hits
}

// ResolveReply finds the original message of the reply with the given id.
func (c *Client) ResolveReply(messageID string) (Message, ReplyResolution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.locate(messageID)
	if !ok {
		return Message{}, ReplyUnresolved, errors.Wrap(ErrMessageNotFound, messageID)
	}
	if !loc.Message.IsReply {
		return Message{}, ReplyUnresolved, errors.Errorf("message %s is not a reply", messageID)
	}
	orig, how := c.store.ResolveReply(loc.Chat.ID, loc.Message.ReplyTo)
	if orig == nil {
		return Message{}, how, errors.Wrap(ErrMessageNotFound, "reply target")
	}
	return *copyMessage(orig), how, nil
}

// State returns the lifecycle state of a remote user.
func (c *Client) State(user string) ContactState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle.State(user)
}

func (c *Client) Contacts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle.Contacts()
}

func (c *Client) Blocked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle.Blocked()
}

func (c *Client) Privacy() PrivacySettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle.Privacy()
}

// GroupMembers returns the observed members of a group chat.
func (c *Client) GroupMembers(group string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Members(group)
}

// UnreadCounts returns the unread count of every chat.
func (c *Client) UnreadCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int)
	for _, chat := range c.store.Chats() {
		out[chat.ID] = chat.UnreadCount
	}
	return out
}

// Snapshot is the exportable view of the client state.
type Snapshot struct {
	User     string              `json:"user" yaml:"user"`
	Chats    []Chat              `json:"chats" yaml:"chats"`
	Contacts []string            `json:"contacts" yaml:"contacts"`
	Blocked  []string            `json:"blocked" yaml:"blocked"`
	Privacy  PrivacySettings     `json:"privacy" yaml:"privacy"`
	Members  map[string][]string `json:"groupMembers" yaml:"groupMembers"`
}

// Snapshot returns a copy of the whole client state.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		User:     c.self,
		Contacts: c.lifecycle.Contacts(),
		Blocked:  c.lifecycle.Blocked(),
		Privacy:  c.lifecycle.Privacy(),
		Members:  c.store.MemberSnapshot(),
	}
	for _, chat := range c.store.Chats() {
		s.Chats = append(s.Chats, copyChat(chat))
	}
	return s
}

// ============================================================================
// Conversation management
// ============================================================================

// OpenChat makes chatID the open conversation and marks it read.
func (c *Client) OpenChat(chatID string) (Chat, error) {
	c.mu.Lock()
	chat := c.store.Chat(chatID)
	if chat == nil {
		c.mu.Unlock()
		return Chat{}, errors.Wrap(ErrUnknownChat, chatID)
	}
	var b eventBatch
	if c.openChat != "" && c.openChat != chatID {
		c.closeOpenChat(&b)
	}
	c.openChat = chatID
	if err := c.reads.MarkRead(chat); err != nil {
		c.log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to persist read watermark")
	}
	c.unreadChanged(&b)
	snap := copyChat(chat)
	c.mu.Unlock()
	c.flush(b)
	return snap, nil
}

// CloseChat closes the open conversation, discarding it when it is an empty
// temporary chat.
func (c *Client) CloseChat() {
	c.mu.Lock()
	var b eventBatch
	c.closeOpenChat(&b)
	c.mu.Unlock()
	c.flush(b)
}

func (c *Client) closeOpenChat(b *eventBatch) {
	if c.openChat == "" {
		return
	}
	if c.lifecycle.CloseChat(c.openChat) {
		b.add(EventChatRemoved, ChatRemovedData{ChatID: c.openChat, Reason: "closed"})
	}
	c.openChat = ""
}

// OpenChatID returns the id of the open conversation, or "".
func (c *Client) OpenChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openChat
}

// ClearChat drops every message of a conversation.
func (c *Client) ClearChat(chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Wrap(c.store.Clear(chatID), chatID)
}

// MarkRead advances the watermark of chatID to now.
func (c *Client) MarkRead(chatID string) error {
	c.mu.Lock()
	chat := c.store.Chat(chatID)
	if chat == nil {
		c.mu.Unlock()
		return errors.Wrap(ErrUnknownChat, chatID)
	}
	var b eventBatch
	err := c.reads.MarkRead(chat)
	c.unreadChanged(&b)
	c.mu.Unlock()
	c.flush(b)
	return err
}

// MarkAllRead marks every conversation read.
func (c *Client) MarkAllRead() error {
	c.mu.Lock()
	var b eventBatch
	err := c.reads.MarkAllRead(c.store.Chats())
	c.unreadChanged(&b)
	c.mu.Unlock()
	c.flush(b)
	return err
}

// RefreshUnread recomputes every unread count and emits unread.changed when
// any changed.
func (c *Client) RefreshUnread() bool {
	c.mu.Lock()
	counts, hasUnread, changed := c.reads.RefreshAll(c.store.Chats(), c.openChat)
	c.mu.Unlock()
	if changed {
		c.emit(EventUnreadChanged, UnreadEventData{Counts: counts, HasUnread: hasUnread})
	}
	return hasUnread
}

func (c *Client) unreadChanged(b *eventBatch) {
	counts := make(map[string]int)
	hasUnread := false
	for _, chat := range c.store.Chats() {
		counts[chat.ID] = chat.UnreadCount
		if chat.ID != c.openChat && chat.UnreadCount > 0 {
			hasUnread = true
		}
	}
	b.add(EventUnreadChanged, UnreadEventData{Counts: counts, HasUnread: hasUnread})
}

// ============================================================================
// Contacts and requests
// ============================================================================

func (c *Client) AcceptRequest(sender string) (Chat, error) {
	c.mu.Lock()
	chat, err := c.lifecycle.AcceptRequest(sender)
	if err != nil {
		c.mu.Unlock()
		return Chat{}, err
	}
	var b eventBatch
	if c.openChat == RequestChatID(sender) {
		c.openChat = ""
	}
	b.add(EventChatRemoved, ChatRemovedData{ChatID: RequestChatID(sender), Reason: "accepted"})
	c.unreadChanged(&b)
	snap := copyChat(chat)
	c.mu.Unlock()
	c.flush(b)
	return snap, nil
}

func (c *Client) DeclineRequest(sender string) error {
	return c.dropRequest(sender, "declined", c.lifecycle.DeclineRequest)
}

func (c *Client) BlockRequest(sender string) error {
	return c.dropRequest(sender, "blocked", c.lifecycle.BlockRequest)
}

func (c *Client) dropRequest(sender, reason string, fn func(string) error) error {
	c.mu.Lock()
	if err := fn(sender); err != nil {
		c.mu.Unlock()
		return err
	}
	reqID := RequestChatID(sender)
	if c.openChat == reqID {
		c.openChat = ""
	}
	var b eventBatch
	b.add(EventChatRemoved, ChatRemovedData{ChatID: reqID, Reason: reason})
	c.mu.Unlock()
	c.flush(b)
	return nil
}

// Block blocklists user and discards any chat with them.
func (c *Client) Block(user string) error {
	c.mu.Lock()
	had := c.store.Chat(user) != nil
	hadReq := c.store.Chat(RequestChatID(user)) != nil
	if err := c.lifecycle.Block(user); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.openChat == user || c.openChat == RequestChatID(user) {
		c.openChat = ""
	}
	var b eventBatch
	if had {
		b.add(EventChatRemoved, ChatRemovedData{ChatID: user, Reason: "blocked"})
	}
	if hadReq {
		b.add(EventChatRemoved, ChatRemovedData{ChatID: RequestChatID(user), Reason: "blocked"})
	}
	c.mu.Unlock()
	c.flush(b)
	return nil
}

func (c *Client) Unblock(user string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle.Unblock(user)
}

func (c *Client) AddContact(user string) (Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, err := c.lifecycle.AddContact(user)
	if err != nil {
		return Chat{}, err
	}
	return copyChat(chat), nil
}

func (c *Client) RemoveContact(user string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle.RemoveContact(user)
}

// ChatWithoutAdding opens a temporary chat with user.
func (c *Client) ChatWithoutAdding(user string) (Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, err := c.lifecycle.ChatWithoutAdding(user)
	if err != nil {
		return Chat{}, err
	}
	return copyChat(chat), nil
}

func (c *Client) SetPrivacy(p PrivacySettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle.SetPrivacy(p)
}

// PopulateGroupMembers rebuilds the membership cache of every group chat
// from its history.
func (c *Client) PopulateGroupMembers() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for _, chat := range c.store.Chats() {
		if chat.Kind == KindGroup && c.store.PopulateMembers(chat.ID, c.self) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return c.state.SaveGroupMembers(c.store.MemberSnapshot())
}

func (c *Client) addGroupMember(group, user string) {
	if c.store.AddMember(group, user) {
		if err := c.state.SaveGroupMembers(c.store.MemberSnapshot()); err != nil {
			c.log.Warn().Err(err).Msg("Failed to persist group members")
		}
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send appends a plain message to chatID.
func (c *Client) Send(ctx context.Context, chatID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, errors.New("message text is empty")
	}
	return c.send(ctx, chatID, func(now time.Time, receiver string) (*Message, string, error) {
		m := c.newOutgoing(receiver, text, now)
		return m, text, nil
	})
}

// Reply sends text as a reply to the message with the given local or shared
// id in chatID.
func (c *Client) Reply(ctx context.Context, chatID, targetID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, errors.New("reply text is empty")
	}
	return c.send(ctx, chatID, func(now time.Time, receiver string) (*Message, string, error) {
		orig := c.findIn(chatID, targetID)
		if orig == nil {
			return nil, "", errors.Wrap(ErrMessageNotFound, targetID)
		}
		reply := ReplyMessage{
			Identifier:     ReplyIdentifier(orig.Sender, orig.Text),
			OriginalSender: orig.Sender,
			OriginalText:   orig.Text,
			Body:           text,
		}
		m := c.newOutgoing(receiver, text, now)
		m.IsReply = true
		m.ReplyTo = &ReplyRef{
			Identifier: reply.Identifier,
			Sender:     orig.Sender,
			Text:       orig.Text,
			Timestamp:  orig.Timestamp,
		}
		return m, EncodeReply(reply), nil
	})
}

// Forward re-sends the message with the given local or shared id into
// toChatID, attributed to its original author.
func (c *Client) Forward(ctx context.Context, messageID, toChatID string) (Message, error) {
	return c.send(ctx, toChatID, func(now time.Time, receiver string) (*Message, string, error) {
		loc, ok := c.locate(messageID)
		if !ok {
			return nil, "", errors.Wrap(ErrMessageNotFound, messageID)
		}
		orig := loc.Message
		author := orig.Sender
		if orig.IsForwarded && orig.OriginalSender != "" {
			author = orig.OriginalSender
		}
		m := c.newOutgoing(receiver, orig.Text, now)
		m.IsForwarded = true
		m.OriginalSender = author
		return m, EncodeForward(ForwardMessage{OriginalSender: author, Text: orig.Text}), nil
	})
}

type buildFunc func(now time.Time, receiver string) (*Message, string, error)

func (c *Client) send(ctx context.Context, chatID string, build buildFunc) (Message, error) {
	if c.backend == nil {
		return Message{}, errors.New("no backend configured")
	}
	c.mu.Lock()
	chat := c.store.Chat(chatID)
	if chat == nil {
		c.mu.Unlock()
		return Message{}, errors.Wrap(ErrUnknownChat, chatID)
	}
	if chat.IsRequest() {
		c.mu.Unlock()
		return Message{}, ErrRequestChat
	}
	now := c.clock.Now().UTC().Truncate(time.Millisecond)
	receiver := wireReceiver(chatID)
	m, wire, err := build(now, receiver)
	if err != nil {
		c.mu.Unlock()
		return Message{}, err
	}
	if !c.store.Append(chatID, m) {
		c.mu.Unlock()
		c.log.Debug().Str("chat_id", chatID).Msg("Suppressed duplicate local send")
		return *copyMessage(m), nil
	}
	if chat.Kind == KindGroup {
		c.addGroupMember(chatID, c.self)
	}
	snap := copyMessage(m)
	c.mu.Unlock()

	req := &SendRequest{
		Timestamp: FormatTimestamp(now),
		Sender:    c.self,
		Receiver:  receiver,
		Message:   wire,
		SenderID:  c.userID,
	}
	if err := c.backend.Send(ctx, req); err != nil {
		c.metrics.send("error")
		c.log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to send message")
		c.emit(EventSendFailed, SendFailedData{ChatID: chatID, Text: snap.Text, Error: err.Error()})
		return *snap, errors.Wrap(err, "send message")
	}
	c.metrics.send("ok")
	return *snap, nil
}

func (c *Client) newOutgoing(receiver, text string, now time.Time) *Message {
	return &Message{
		Sender:    c.self,
		Receiver:  receiver,
		Text:      text,
		Timestamp: now,
		LocalID:   NewLocalID(now),
		SharedID:  SharedID(c.self, receiver, text, now),
	}
}

func (c *Client) findIn(chatID, id string) *Message {
	chat := c.store.Chat(chatID)
	if chat == nil {
		return nil
	}
	for _, m := range chat.Messages {
		if m.LocalID == id || (id != "" && (m.SharedID == id || m.RecordSharedID == id)) {
			return m
		}
	}
	return nil
}

// React toggles the local user's emoji reaction on the message with the
// given local or shared id and sends the reaction to the backend.
func (c *Client) React(ctx context.Context, messageID, emoji string) (ReactionAction, error) {
	if emoji == "" || strings.ContainsAny(emoji, ":]") {
		return "", errors.Errorf("invalid reaction %q", emoji)
	}
	if c.backend == nil {
		return "", errors.New("no backend configured")
	}
	c.mu.Lock()
	loc, ok := c.locate(messageID)
	if !ok {
		c.mu.Unlock()
		return "", errors.Wrap(ErrMessageNotFound, messageID)
	}
	if loc.Chat.IsRequest() {
		c.mu.Unlock()
		return "", ErrRequestChat
	}
	action, err := c.reactions.Toggle(loc.Message, emoji, c.self)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to persist reactions")
	}
	target := loc.Message.SharedID
	if target == "" {
		target = loc.Message.LocalID
	}
	chatID := loc.Chat.ID
	now := c.clock.Now()
	c.mu.Unlock()

	req := &SendRequest{
		Timestamp: FormatTimestamp(now),
		Sender:    c.self,
		Receiver:  wireReceiver(chatID),
		Message:   EncodeReaction(ReactionEvent{TargetID: target, Emoji: emoji, User: c.self, Action: action}),
		SenderID:  c.userID,
	}
	if err := c.backend.Send(ctx, req); err != nil {
		c.metrics.send("error")
		c.emit(EventSendFailed, SendFailedData{ChatID: chatID, Text: req.Message, Error: err.Error()})
		return action, errors.Wrap(err, "failed to sync reaction")
	}
	c.metrics.send("ok")
	return action, nil
}

// ============================================================================
// Account
// ============================================================================

// UpdateProfile saves the profile locally and, when the backend manages
// accounts, remotely.
func (c *Client) UpdateProfile(ctx context.Context, name, status string) error {
	c.mu.Lock()
	p, _ := c.state.Profile()
	p.Name, p.Status = name, status
	if p.CreatedAt.IsZero() {
		p.CreatedAt = c.clock.Now()
	}
	err := c.state.SaveProfile(p)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if ab, ok := c.backend.(AccountBackend); ok {
		return ab.UpdateProfile(ctx, c.userID, name, status)
	}
	return nil
}

// Profile returns the persisted profile.
func (c *Client) Profile() (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Profile()
}

// SavePushSubscription stores the opaque push subscription blob and hands
// it to the backend when supported.
func (c *Client) SavePushSubscription(ctx context.Context, sub PushSubscription) error {
	c.mu.Lock()
	err := c.state.SavePushSubscription(sub)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if ab, ok := c.backend.(AccountBackend); ok {
		return ab.SaveSubscription(ctx, c.userID, sub)
	}
	return nil
}

// SearchUsers queries the backend user directory.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	ab, ok := c.backend.(AccountBackend)
	if !ok {
		return nil, errors.New("backend has no user directory")
	}
	users, err := ab.ListUsers(ctx, query)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.Username != c.self && u.UserID != c.userID {
			out = append(out, u)
		}
	}
	return out, nil
}

// ============================================================================
// helpers
// ============================================================================

func wireReceiver(chatID string) string {
	if chatID == GroupChatID {
		return GroupReceiver
	}
	return chatID
}

func copyMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Reactions != nil {
		cp.Reactions = make(map[string]*ReactionSummary, len(m.Reactions))
		for emoji, sum := range m.Reactions {
			cp.Reactions[emoji] = &ReactionSummary{Count: sum.Count, Users: append([]string(nil), sum.Users...)}
		}
	}
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		cp.ReplyTo = &ref
	}
	return &cp
}

func copyChat(c *Chat) Chat {
	cp := *c
	cp.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		cp.Messages[i] = copyMessage(m)
	}
	return cp
}
