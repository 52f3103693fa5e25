package chatsync

import (
	"time"

	"github.com/benbjohnson/clock"
)

// ReadTracker derives unread counts from locally persisted read watermarks.
// Like Store it relies on the Client for serialization.
type ReadTracker struct {
	state *LocalState
	self  string
	clock clock.Clock
}

// NewReadTracker creates a tracker for the local user self.
func NewReadTracker(state *LocalState, self string, clk clock.Clock) *ReadTracker {
	return &ReadTracker{state: state, self: self, clock: clk}
}

// Watermark returns the instant up to which chatID has been read. The zero
// time means never read.
func (r *ReadTracker) Watermark(chatID string) time.Time {
	return r.state.LastRead(chatID)
}

// UnreadCount counts messages in c from other users newer than the
// watermark.
func (r *ReadTracker) UnreadCount(c *Chat) int {
	if c == nil || len(c.Messages) == 0 {
		return 0
	}
	mark := r.Watermark(c.ID).UnixMilli()
	n := 0
	for _, m := range c.Messages {
		if m.Sender == r.self {
			continue
		}
		if m.Timestamp.UnixMilli() > mark {
			n++
		}
	}
	return n
}

// Recompute refreshes c.UnreadCount and reports whether it changed.
func (r *ReadTracker) Recompute(c *Chat) bool {
	n := r.UnreadCount(c)
	if n == c.UnreadCount {
		return false
	}
	c.UnreadCount = n
	return true
}

// MarkRead advances the watermark of c to now, or to its newest message
// when that is later, and zeroes its count.
func (r *ReadTracker) MarkRead(c *Chat) error {
	mark := r.clock.Now()
	for _, m := range c.Messages {
		if m.Timestamp.After(mark) {
			mark = m.Timestamp
		}
	}
	if err := r.state.SaveLastRead(c.ID, mark); err != nil {
		return err
	}
	c.UnreadCount = 0
	return nil
}

// SeedFromMessage sets the watermark of chatID to one second before ts, so
// the message at ts and everything after it count as unread.
func (r *ReadTracker) SeedFromMessage(chatID string, ts time.Time) error {
	return r.state.SaveLastRead(chatID, ts.Add(-time.Second))
}

// RefreshAll recomputes every chat. It returns the per-chat counts, whether
// any chat other than openChat has unread messages, and whether any count
// changed.
func (r *ReadTracker) RefreshAll(chats []*Chat, openChat string) (counts map[string]int, hasUnread, changed bool) {
	counts = make(map[string]int, len(chats))
	for _, c := range chats {
		if r.Recompute(c) {
			changed = true
		}
		counts[c.ID] = c.UnreadCount
		if c.ID != openChat && c.UnreadCount > 0 {
			hasUnread = true
		}
	}
	return counts, hasUnread, changed
}

// MarkAllRead marks every chat read. The first persistence error is
// returned after all chats have been attempted.
func (r *ReadTracker) MarkAllRead(chats []*Chat) error {
	var first error
	for _, c := range chats {
		if err := r.MarkRead(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}
