package chatsync

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Keys mirror the storage keys of the browser client so state exported from
// one can be imported by the other.
const (
	keyProfile          = "chatAppProfile"
	keyUser             = "chatAppUser"
	keyContacts         = "chatAppContacts"
	keyBlocked          = "chatAppBlockedUsers"
	keyPrivacy          = "chatAppPrivacySettings"
	keyGroupMembers     = "chatApp_groupMembers"
	keyPushSubscription = "pushSubscription"
	keyCursor           = "lastMessageFetch"
	keyReactionsPrefix  = "chatApp_reactions_"
	keyLastReadPrefix   = "chatApp_lastRead_"
)

// LocalState is the typed view over the persisted KV. Corrupt values are
// logged and treated as absent; they never fail a load.
type LocalState struct {
	kv  KV
	log zerolog.Logger
}

// NewLocalState wraps kv.
func NewLocalState(kv KV, log zerolog.Logger) *LocalState {
	return &LocalState{kv: kv, log: log.With().Str("component", "state").Logger()}
}

// KV returns the underlying store.
func (s *LocalState) KV() KV {
	return s.kv
}

func (s *LocalState) loadJSON(key string, v any) bool {
	data, ok, err := s.kv.Get(key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Failed to read persisted state")
		return false
	}
	if !ok || len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Ignoring corrupt persisted state")
		return false
	}
	return true
}

func (s *LocalState) saveJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return errors.Wrapf(s.kv.Set(key, data), "persist %s", key)
}

// ── Profile and account ──────────────────────────────────

func (s *LocalState) Profile() (Profile, bool) {
	var p Profile
	ok := s.loadJSON(keyProfile, &p)
	return p, ok
}

func (s *LocalState) SaveProfile(p Profile) error {
	return s.saveJSON(keyProfile, p)
}

func (s *LocalState) User() (*User, bool) {
	var u User
	if !s.loadJSON(keyUser, &u) {
		return nil, false
	}
	return &u, true
}

func (s *LocalState) SaveUser(u *User) error {
	return s.saveJSON(keyUser, u)
}

// ── Contacts, blocklist, privacy ─────────────────────────

func (s *LocalState) Contacts() []string {
	var c []string
	s.loadJSON(keyContacts, &c)
	return c
}

func (s *LocalState) SaveContacts(c []string) error {
	return s.saveJSON(keyContacts, nonNil(c))
}

func (s *LocalState) Blocked() []string {
	var b []string
	s.loadJSON(keyBlocked, &b)
	return b
}

func (s *LocalState) SaveBlocked(b []string) error {
	return s.saveJSON(keyBlocked, nonNil(b))
}

func (s *LocalState) Privacy() PrivacySettings {
	p := DefaultPrivacy()
	if !s.loadJSON(keyPrivacy, &p) {
		return DefaultPrivacy()
	}
	switch p.WhoCanMessage {
	case AllowEveryone, AllowContacts, AllowNobody:
	default:
		p.WhoCanMessage = AllowEveryone
	}
	return p
}

func (s *LocalState) SavePrivacy(p PrivacySettings) error {
	return s.saveJSON(keyPrivacy, p)
}

// ── Reactions ────────────────────────────────────────────

// Reactions returns the saved reaction snapshot for a local message id.
func (s *LocalState) Reactions(localID string) map[string]*ReactionSummary {
	var r map[string]*ReactionSummary
	if !s.loadJSON(keyReactionsPrefix+localID, &r) {
		return nil
	}
	for emoji, sum := range r {
		if sum == nil || len(sum.Users) == 0 {
			delete(r, emoji)
			continue
		}
		sum.Count = len(sum.Users)
	}
	return r
}

func (s *LocalState) SaveReactions(localID string, r map[string]*ReactionSummary) error {
	if r == nil {
		r = map[string]*ReactionSummary{}
	}
	return s.saveJSON(keyReactionsPrefix+localID, r)
}

// ── Read watermarks ──────────────────────────────────────

// LastRead returns the watermark of a chat; zero means never read.
func (s *LocalState) LastRead(chatID string) time.Time {
	data, ok, err := s.kv.Get(keyLastReadPrefix + chatID)
	if err != nil {
		s.log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to read watermark")
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		s.log.Warn().Err(err).Str("chat_id", chatID).Msg("Ignoring corrupt watermark")
		return time.Time{}
	}
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *LocalState) SaveLastRead(chatID string, t time.Time) error {
	return errors.Wrapf(s.kv.Set(keyLastReadPrefix+chatID, []byte(strconv.FormatInt(t.UnixMilli(), 10))),
		"persist watermark %s", chatID)
}

// ── Group membership ─────────────────────────────────────

func (s *LocalState) GroupMembers() map[string][]string {
	m := map[string][]string{}
	s.loadJSON(keyGroupMembers, &m)
	return m
}

func (s *LocalState) SaveGroupMembers(m map[string][]string) error {
	return s.saveJSON(keyGroupMembers, m)
}

// ── Push subscription ────────────────────────────────────

func (s *LocalState) PushSubscription() (PushSubscription, bool) {
	data, ok, err := s.kv.Get(keyPushSubscription)
	if err != nil || !ok || !json.Valid(data) {
		return nil, false
	}
	return PushSubscription(data), true
}

func (s *LocalState) SavePushSubscription(sub PushSubscription) error {
	if !json.Valid(sub) {
		return errors.New("push subscription is not valid JSON")
	}
	return errors.Wrap(s.kv.Set(keyPushSubscription, sub), "persist push subscription")
}

// ── Poll cursor ──────────────────────────────────────────

func (s *LocalState) Cursor() (time.Time, bool) {
	data, ok, err := s.kv.Get(keyCursor)
	if err != nil || !ok {
		return time.Time{}, false
	}
	return ParseTimestamp(string(data))
}

func (s *LocalState) SaveCursor(t time.Time) error {
	return errors.Wrap(s.kv.Set(keyCursor, []byte(FormatTimestamp(t))), "persist cursor")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
