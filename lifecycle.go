package chatsync

import (
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Admission is the routing decision for an inbound direct message.
type Admission int

const (
	// AdmitDirect delivers into the sender's normal chat.
	AdmitDirect Admission = iota
	// AdmitRequest delivers into the sender's pending request chat.
	AdmitRequest
	// AdmitDrop discards the message without creating any state.
	AdmitDrop
)

func (a Admission) String() string {
	switch a {
	case AdmitDirect:
		return "direct"
	case AdmitRequest:
		return "request"
	default:
		return "drop"
	}
}

// Lifecycle tracks the request/contact/block state of remote senders and
// gates unsolicited messages. Like Store it relies on the Client for
// serialization.
type Lifecycle struct {
	self    string
	state   *LocalState
	store   *Store
	reads   *ReadTracker
	clock   clock.Clock
	log     zerolog.Logger
	privacy PrivacySettings

	contacts []string
	blocked  []string
}

// NewLifecycle loads contacts, blocklist and privacy from state.
func NewLifecycle(self string, state *LocalState, store *Store, reads *ReadTracker, clk clock.Clock, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		self:     self,
		state:    state,
		store:    store,
		reads:    reads,
		clock:    clk,
		log:      log.With().Str("component", "lifecycle").Logger(),
		privacy:  state.Privacy(),
		contacts: dedupe(state.Contacts()),
		blocked:  dedupe(state.Blocked()),
	}
}

// ── Queries ──────────────────────────────────────────────

// State returns the lifecycle state of sender.
func (l *Lifecycle) State(sender string) ContactState {
	switch {
	case l.IsBlocked(sender):
		return StateBlocked
	case l.IsContact(sender):
		return StateContact
	case l.store.Chat(RequestChatID(sender)) != nil:
		return StatePending
	default:
		return StateStranger
	}
}

func (l *Lifecycle) IsContact(user string) bool { return contains(l.contacts, user) }
func (l *Lifecycle) IsBlocked(user string) bool { return contains(l.blocked, user) }

// Contacts returns the contact list in insertion order.
func (l *Lifecycle) Contacts() []string { return append([]string(nil), l.contacts...) }

// Blocked returns the blocklist in insertion order.
func (l *Lifecycle) Blocked() []string { return append([]string(nil), l.blocked...) }

// Privacy returns the current privacy settings.
func (l *Lifecycle) Privacy() PrivacySettings { return l.privacy }

// Requests returns every pending request chat, most recent first.
func (l *Lifecycle) Requests() []*Chat {
	var result []*Chat
	for _, c := range l.store.Chats() {
		if c.IsRequest() {
			result = append(result, c)
		}
	}
	return result
}

// Admit decides how an inbound direct message from sender is routed.
//
// Blocked senders are dropped and contacts are delivered directly. Anyone
// else goes through a request unless privacy is "nobody", in which case the
// message is dropped. Under "everyone" a stranger the local user already
// opened a chat with is delivered into that chat.
func (l *Lifecycle) Admit(sender string) Admission {
	if l.IsBlocked(sender) {
		return AdmitDrop
	}
	if l.IsContact(sender) {
		return AdmitDirect
	}
	if l.store.Chat(RequestChatID(sender)) != nil {
		return AdmitRequest
	}
	switch l.privacy.WhoCanMessage {
	case AllowNobody:
		return AdmitDrop
	case AllowContacts:
		return AdmitRequest
	default:
		if c := l.store.Chat(sender); c != nil && c.Kind == KindIndividual {
			return AdmitDirect
		}
		return AdmitRequest
	}
}

// ── Requests ─────────────────────────────────────────────

// AcceptRequest turns the pending request from sender into a contact chat.
// The request log is merged into the sender's normal chat and the watermark
// is seeded just before the first request message so it all counts unread.
func (l *Lifecycle) AcceptRequest(sender string) (*Chat, error) {
	reqID := RequestChatID(sender)
	req := l.store.Chat(reqID)
	if req == nil {
		return nil, errors.Wrap(ErrNotRequest, sender)
	}
	l.store.Remove(reqID)
	if err := l.addContact(sender); err != nil {
		return nil, err
	}

	chat, _ := l.store.Ensure(sender, sender, KindIndividual, l.clock.Now())
	chat.Kind = KindIndividual
	chat.Temporary = false
	for _, m := range req.Messages {
		l.store.Append(sender, m)
	}
	if req.LastActivity.After(chat.LastActivity) {
		chat.LastActivity = req.LastActivity
	}

	if len(req.Messages) > 0 {
		if err := l.reads.SeedFromMessage(sender, req.Messages[0].Timestamp); err != nil {
			l.log.Warn().Err(err).Str("sender", sender).Msg("Failed to seed read watermark")
		}
	} else if err := l.reads.MarkRead(chat); err != nil {
		l.log.Warn().Err(err).Str("sender", sender).Msg("Failed to seed read watermark")
	}
	l.reads.Recompute(chat)
	l.log.Info().Str("sender", sender).Int("messages", len(req.Messages)).Msg("Accepted message request")
	return chat, nil
}

// DeclineRequest discards the pending request from sender.
func (l *Lifecycle) DeclineRequest(sender string) error {
	if l.store.Remove(RequestChatID(sender)) == nil {
		return errors.Wrap(ErrNotRequest, sender)
	}
	l.log.Info().Str("sender", sender).Msg("Declined message request")
	return nil
}

// BlockRequest discards the pending request from sender and blocks them.
func (l *Lifecycle) BlockRequest(sender string) error {
	if l.store.Chat(RequestChatID(sender)) == nil {
		return errors.Wrap(ErrNotRequest, sender)
	}
	return l.Block(sender)
}

// ── Contacts and blocklist ───────────────────────────────

// Block blocklists user, drops them from contacts and discards any chat or
// request with them.
func (l *Lifecycle) Block(user string) error {
	if !l.IsBlocked(user) {
		l.blocked = append(l.blocked, user)
		if err := l.state.SaveBlocked(l.blocked); err != nil {
			return err
		}
	}
	if l.IsContact(user) {
		l.contacts = remove(l.contacts, user)
		if err := l.state.SaveContacts(l.contacts); err != nil {
			return err
		}
	}
	l.store.Remove(user)
	l.store.Remove(RequestChatID(user))
	l.log.Info().Str("user", user).Msg("Blocked user")
	return nil
}

// Unblock returns user to the stranger state.
func (l *Lifecycle) Unblock(user string) error {
	if !l.IsBlocked(user) {
		return nil
	}
	l.blocked = remove(l.blocked, user)
	return l.state.SaveBlocked(l.blocked)
}

// AddContact adds user to contacts and makes sure a permanent chat exists.
func (l *Lifecycle) AddContact(user string) (*Chat, error) {
	if user == "" || user == l.self {
		return nil, errors.Errorf("cannot add %q as a contact", user)
	}
	if l.IsBlocked(user) {
		return nil, errors.Wrap(ErrBlocked, user)
	}
	if err := l.addContact(user); err != nil {
		return nil, err
	}
	chat, created := l.store.Ensure(user, user, KindIndividual, l.clock.Now())
	chat.Temporary = false
	if created {
		if err := l.reads.MarkRead(chat); err != nil {
			l.log.Warn().Err(err).Str("user", user).Msg("Failed to initialise read watermark")
		}
	}
	return chat, nil
}

func (l *Lifecycle) addContact(user string) error {
	if l.IsContact(user) {
		return nil
	}
	l.contacts = append(l.contacts, user)
	return l.state.SaveContacts(l.contacts)
}

// RemoveContact drops user from contacts. Their chat is kept.
func (l *Lifecycle) RemoveContact(user string) error {
	if !l.IsContact(user) {
		return nil
	}
	l.contacts = remove(l.contacts, user)
	return l.state.SaveContacts(l.contacts)
}

// ChatWithoutAdding opens a temporary chat with user. The chat is destroyed
// by CloseChat if it is still empty.
func (l *Lifecycle) ChatWithoutAdding(user string) (*Chat, error) {
	if l.IsBlocked(user) {
		return nil, errors.Wrap(ErrBlocked, user)
	}
	chat, created := l.store.Ensure(user, user, KindIndividual, l.clock.Now())
	if created {
		chat.Temporary = !l.IsContact(user)
	}
	return chat, nil
}

// CloseChat discards chatID when it is a temporary chat with no messages and
// reports whether it did.
func (l *Lifecycle) CloseChat(chatID string) bool {
	c := l.store.Chat(chatID)
	if c == nil || !c.Temporary || len(c.Messages) > 0 {
		return false
	}
	l.store.Remove(chatID)
	return true
}

// SetPrivacy replaces and persists the privacy settings.
func (l *Lifecycle) SetPrivacy(p PrivacySettings) error {
	switch p.WhoCanMessage {
	case AllowEveryone, AllowContacts, AllowNobody:
	default:
		return errors.Errorf("invalid who-can-message setting %q", p.WhoCanMessage)
	}
	l.privacy = p
	return l.state.SavePrivacy(p)
}

// ── helpers ──────────────────────────────────────────────

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	var out []string
	for _, s := range list {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
