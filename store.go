package chatsync

import (
	"sort"
	"strings"
	"time"
)

// duplicateWindow is how close two identical messages from one sender must
// be to count as the same message.
const duplicateWindow = time.Second

// ============================================================================
// Store
// ============================================================================

// Store holds every conversation and its message log. It is not safe for
// concurrent use; the Client serializes access.
type Store struct {
	chats   map[string]*Chat
	members map[string]map[string]struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		chats:   make(map[string]*Chat),
		members: make(map[string]map[string]struct{}),
	}
}

// ── Conversations ────────────────────────────────────────

// Chat returns the conversation with id, or nil.
func (s *Store) Chat(id string) *Chat {
	return s.chats[id]
}

// Ensure returns the conversation with id, creating it when absent. The
// second result reports whether it was created.
func (s *Store) Ensure(id, name string, kind ChatKind, now time.Time) (*Chat, bool) {
	if c, ok := s.chats[id]; ok {
		return c, false
	}
	if name == "" {
		name = id
	}
	c := &Chat{ID: id, Name: name, Kind: kind, CreatedAt: now}
	if kind == KindRequest {
		c.Sender = name
	}
	s.chats[id] = c
	return c, true
}

// Put inserts or replaces a conversation.
func (s *Store) Put(c *Chat) {
	s.chats[c.ID] = c
}

// Remove deletes a conversation and returns it, or nil when absent.
func (s *Store) Remove(id string) *Chat {
	c := s.chats[id]
	delete(s.chats, id)
	return c
}

// Clear drops every message of a conversation but keeps the conversation.
func (s *Store) Clear(id string) error {
	c, ok := s.chats[id]
	if !ok {
		return ErrUnknownChat
	}
	c.Messages = nil
	c.UnreadCount = 0
	return nil
}

// Chats returns every conversation, most recently active first.
func (s *Store) Chats() []*Chat {
	result := make([]*Chat, 0, len(s.chats))
	for _, c := range s.chats {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastActivity.Equal(result[j].LastActivity) {
			return result[i].LastActivity.After(result[j].LastActivity)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	return len(s.chats)
}

// ── Messages ─────────────────────────────────────────────

// IsDuplicate reports whether c already holds a message from the same
// sender with the same text less than a second apart from m.
func (s *Store) IsDuplicate(c *Chat, m *Message) bool {
	for _, existing := range c.Messages {
		if existing.Sender != m.Sender || existing.Text != m.Text {
			continue
		}
		d := existing.Timestamp.Sub(m.Timestamp)
		if d < 0 {
			d = -d
		}
		if d < duplicateWindow {
			return true
		}
	}
	return false
}

// Append adds m to the end of the conversation and bumps its activity.
// It returns false when the conversation is missing or m is a duplicate.
func (s *Store) Append(chatID string, m *Message) bool {
	c, ok := s.chats[chatID]
	if !ok {
		return false
	}
	if s.IsDuplicate(c, m) {
		return false
	}
	c.Messages = append(c.Messages, m)
	if m.Timestamp.After(c.LastActivity) {
		c.LastActivity = m.Timestamp
	}
	return true
}

// Located is a message together with the conversation that holds it.
type Located struct {
	Chat    *Chat
	Message *Message
}

// FindBySharedID locates the first message carrying the shared id, either
// the computed one or the id stamped by the backend.
func (s *Store) FindBySharedID(id string) (Located, bool) {
	if id == "" {
		return Located{}, false
	}
	return s.find(func(m *Message) bool { return m.SharedID == id || m.RecordSharedID == id })
}

// FindByLocalID locates the first message carrying the local id.
func (s *Store) FindByLocalID(id string) (Located, bool) {
	return s.find(func(m *Message) bool { return m.LocalID == id })
}

// find scans conversations in id order so results are deterministic.
func (s *Store) find(match func(*Message) bool) (Located, bool) {
	if len(s.chats) == 0 {
		return Located{}, false
	}
	ids := make([]string, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := s.chats[id]
		for _, m := range c.Messages {
			if match(m) {
				return Located{Chat: c, Message: m}, true
			}
		}
	}
	return Located{}, false
}

// Recent returns up to n messages across all conversations, newest first.
func (s *Store) Recent(n int) []Located {
	var all []Located
	for _, c := range s.chats {
		for _, m := range c.Messages {
			all = append(all, Located{Chat: c, Message: m})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		ti, tj := all[i].Message.Timestamp, all[j].Message.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return all[i].Message.LocalID < all[j].Message.LocalID
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// ── Replies ──────────────────────────────────────────────

// ReplyResolution labels how a reply found its original message. Anything
// other than ReplyByIdentifier is a degraded content match.
type ReplyResolution string

const (
	ReplyByIdentifier ReplyResolution = "identifier"
	ReplyByContent    ReplyResolution = "content"
	ReplyByPrefix     ReplyResolution = "prefix"
	ReplyBySender     ReplyResolution = "sender"
	ReplyUnresolved   ReplyResolution = "unresolved"
)

// ResolveReply finds the message a reply in chatID points at. Reply
// identifiers are not unique, so the identifier match also requires the
// original sender. Failing that the original text is matched exactly, then
// by its first 20 characters, and finally any message by the original
// sender is taken.
func (s *Store) ResolveReply(chatID string, ref *ReplyRef) (*Message, ReplyResolution) {
	c, ok := s.chats[chatID]
	if !ok || ref == nil {
		return nil, ReplyUnresolved
	}
	for _, m := range c.Messages {
		if m.Sender == ref.Sender && ref.Identifier != "" && ReplyIdentifier(m.Sender, m.Text) == ref.Identifier {
			return m, ReplyByIdentifier
		}
	}
	for _, m := range c.Messages {
		if m.Sender == ref.Sender && m.Text == ref.Text {
			return m, ReplyByContent
		}
	}
	if ref.Text != "" {
		prefix := prefixUnits(ref.Text, replyTextPrefix)
		for _, m := range c.Messages {
			if m.Sender != ref.Sender || m.Text == "" {
				continue
			}
			if strings.Contains(m.Text, prefix) || strings.Contains(ref.Text, prefixUnits(m.Text, replyTextPrefix)) {
				return m, ReplyByPrefix
			}
		}
	}
	for _, m := range c.Messages {
		if m.Sender == ref.Sender {
			return m, ReplyBySender
		}
	}
	return nil, ReplyUnresolved
}

// ── Search ───────────────────────────────────────────────

// SearchHit is one message matching a local search.
type SearchHit struct {
	ChatID  string   `json:"chatId"`
	Message *Message `json:"message"`
}

// Search returns messages whose text contains query, case-insensitively,
// newest first. A limit of zero means no limit.
func (s *Store) Search(query string, limit int) []SearchHit {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var hits []SearchHit
	for _, c := range s.chats {
		for _, m := range c.Messages {
			if strings.Contains(strings.ToLower(m.Text), q) {
				hits = append(hits, SearchHit{ChatID: c.ID, Message: m})
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Message.Timestamp.After(hits[j].Message.Timestamp)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// ── Group membership ─────────────────────────────────────

// AddMember records user as a member of group and reports whether the set
// changed.
func (s *Store) AddMember(group, user string) bool {
	if user == "" {
		return false
	}
	set, ok := s.members[group]
	if !ok {
		set = make(map[string]struct{})
		s.members[group] = set
	}
	if _, ok := set[user]; ok {
		return false
	}
	set[user] = struct{}{}
	return true
}

// Members returns the sorted member list of group.
func (s *Store) Members(group string) []string {
	set := s.members[group]
	result := make([]string, 0, len(set))
	for u := range set {
		result = append(result, u)
	}
	sort.Strings(result)
	return result
}

// MemberSnapshot returns every group's sorted member list.
func (s *Store) MemberSnapshot() map[string][]string {
	result := make(map[string][]string, len(s.members))
	for g := range s.members {
		result[g] = s.Members(g)
	}
	return result
}

// LoadMembers replaces the membership cache.
func (s *Store) LoadMembers(m map[string][]string) {
	s.members = make(map[string]map[string]struct{}, len(m))
	for g, users := range m {
		for _, u := range users {
			s.AddMember(g, u)
		}
	}
}

// PopulateMembers rebuilds the membership of group from its message
// history, adding self. It reports whether anything was added.
func (s *Store) PopulateMembers(group, self string) bool {
	changed := s.AddMember(group, self)
	if c, ok := s.chats[group]; ok {
		for _, m := range c.Messages {
			if s.AddMember(group, m.Sender) {
				changed = true
			}
		}
	}
	return changed
}
