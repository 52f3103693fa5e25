package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// selfEchoWindow is how recent a record authored by the local user must be
// to be treated as the echo of our own send.
const selfEchoWindow = 5 * time.Second

// Poller drives the periodic fetch and unread refresh of a Client.
type Poller struct {
	client *Client
	log    zerolog.Logger
}

func newPoller(c *Client) *Poller {
	return &Poller{client: c, log: c.log.With().Str("component", "poller").Logger()}
}

// Run polls every poll interval and refreshes unread counts every refresh
// interval until ctx is done. Ticks are independent: a failed poll is logged
// and the next tick runs regardless, and a slow poll does not hold back the
// next one.
func (c *Client) Run(ctx context.Context) error {
	return c.poller.Run(ctx)
}

// Tick runs a single poll synchronously.
func (c *Client) Tick(ctx context.Context) error {
	return c.poller.Tick(ctx)
}

func (p *Poller) Run(ctx context.Context) error {
	c := p.client
	pollTicker := c.clock.Ticker(c.pollInterval)
	defer pollTicker.Stop()
	refreshTicker := c.clock.Ticker(c.refreshInterval)
	defer refreshTicker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	poll := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Tick(ctx)
		}()
	}

	p.log.Info().
		Dur("poll_interval", c.pollInterval).
		Dur("refresh_interval", c.refreshInterval).
		Msg("Starting sync loop")
	poll()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("Stopping sync loop")
			return ctx.Err()
		case <-pollTicker.C:
			poll()
		case <-refreshTicker.C:
			c.RefreshUnread()
			if err := c.Save(); err != nil {
				p.log.Warn().Err(err).Msg("Failed to persist chats")
			}
		}
	}
}

// Tick fetches records since the cursor and ingests them.
func (p *Poller) Tick(ctx context.Context) error {
	c := p.client
	if c.backend == nil {
		return nil
	}
	c.mu.Lock()
	since := c.cursor
	c.mu.Unlock()
	started := c.clock.Now()

	records, err := c.backend.Poll(ctx, c.userID, since)
	if err != nil {
		c.metrics.poll("error")
		p.log.Warn().Err(err).Msg("Failed to fetch messages")
		return err
	}
	c.metrics.poll("ok")
	c.Ingest(records)

	c.mu.Lock()
	if !started.Before(c.cursor) {
		c.cursor = started
		if err := c.state.SaveCursor(started); err != nil {
			p.log.Warn().Err(err).Msg("Failed to persist poll cursor")
		}
	}
	c.mu.Unlock()
	return nil
}

// Ingest applies a batch of polled records. It is what every poll tick runs
// and is exported for feeding records obtained elsewhere.
func (c *Client) Ingest(records []Record) {
	if len(records) == 0 {
		return
	}
	c.mu.Lock()
	var b eventBatch
	now := c.clock.Now()
	unread := false
	for i := range records {
		if c.ingest(&records[i], now, &b) {
			unread = true
		}
	}
	if unread {
		c.unreadChanged(&b)
	}
	c.mu.Unlock()
	c.flush(b)
}

// ingest processes one record and reports whether an unread count changed.
func (c *Client) ingest(rec *Record, now time.Time, b *eventBatch) bool {
	log := c.log.With().Str("sender", rec.SenderID).Str("receiver", rec.ReceiverID).Logger()

	if !c.seen.Observe(rec.Key()) {
		c.metrics.record("seen")
		return false
	}

	ts, ok := ParseTimestamp(rec.Timestamp)
	if !ok {
		log.Debug().Str("timestamp", rec.Timestamp).Msg("Unparseable record timestamp, using receipt time")
		ts = now.UTC()
	}

	payload := Decode(rec.Content)
	if ev, ok := payload.(ReactionEvent); ok {
		if c.lifecycle.IsBlocked(ev.User) || c.lifecycle.IsBlocked(rec.SenderID) {
			c.metrics.record("blocked")
			log.Debug().Str("user", ev.User).Msg("Dropped reaction from blocked user")
			return false
		}
		c.metrics.record("reaction")
		c.applyReaction(ev, ts, b)
		return false
	}

	if rec.SenderID == c.self {
		if d := now.Sub(ts); d < selfEchoWindow {
			c.metrics.record("self_echo")
			c.adoptRecordSharedID(c.messageFromRecord(rec, payload, ts, now))
			return false
		}
	}

	if c.lifecycle.IsBlocked(rec.SenderID) {
		c.metrics.record("blocked")
		log.Debug().Msg("Dropped message from blocked user")
		return false
	}

	m := c.messageFromRecord(rec, payload, ts, now)

	var chatID string
	switch {
	case IsGroupReceiver(rec.ReceiverID):
		chatID = GroupChatID
		c.store.Ensure(chatID, chatID, KindGroup, now)
		c.addGroupMember(chatID, rec.SenderID)
	case rec.ReceiverID == c.self:
		switch c.lifecycle.Admit(rec.SenderID) {
		case AdmitDirect:
			chatID = rec.SenderID
			c.store.Ensure(chatID, chatID, KindIndividual, now)
		case AdmitRequest:
			chatID = RequestChatID(rec.SenderID)
			if _, created := c.store.Ensure(chatID, rec.SenderID, KindRequest, now); created {
				b.add(EventRequestNew, RequestEventData{ChatID: chatID, Sender: rec.SenderID, Text: m.DisplayText()})
			}
		default:
			c.metrics.record("privacy")
			log.Debug().Msg("Dropped message denied by privacy settings")
			return false
		}
	case rec.SenderID == c.self:
		// history written by another session of ours
		chatID = rec.ReceiverID
		if c.lifecycle.IsBlocked(chatID) {
			c.metrics.record("blocked")
			return false
		}
		c.store.Ensure(chatID, chatID, KindIndividual, now)
	default:
		c.metrics.record("unrouted")
		return false
	}

	if !c.store.Append(chatID, m) {
		c.metrics.record("duplicate")
		c.adoptRecordSharedID(m)
		return false
	}
	c.metrics.record("delivered")
	c.reactions.Restore(m)

	chat := c.store.Chat(chatID)
	background := chatID != c.openChat
	changed := false
	if background {
		changed = c.reads.Recompute(chat)
	} else if m.Sender != c.self {
		if err := c.reads.MarkRead(chat); err != nil {
			log.Warn().Err(err).Msg("Failed to persist read watermark")
		}
	}
	b.add(EventMessageNew, MessageEventData{ChatID: chatID, Message: copyMessage(m), Background: background})
	return changed
}

func (c *Client) messageFromRecord(rec *Record, payload Payload, ts, now time.Time) *Message {
	m := &Message{
		Sender:    rec.SenderID,
		Receiver:  rec.ReceiverID,
		Timestamp: ts,
		LocalID:   NewLocalID(now),
		RecordID:  rec.MessageID,
	}
	switch p := payload.(type) {
	case ReplyMessage:
		m.Text = p.Body
		m.IsReply = true
		m.ReplyTo = &ReplyRef{Identifier: p.Identifier, Sender: p.OriginalSender, Text: p.OriginalText, Timestamp: ts}
	case ForwardMessage:
		m.Text = p.Text
		m.IsForwarded = true
		m.OriginalSender = p.OriginalSender
	case PlainMessage:
		m.Text = p.Text
	}
	// The content hash is the only id every client can compute. A backend
	// stamped id is kept alongside so reactions that carry it still resolve.
	m.SharedID = SharedID(m.Sender, m.Receiver, m.Text, ts)
	if rec.SharedID != m.SharedID {
		m.RecordSharedID = rec.SharedID
	}
	return m
}

// adoptRecordSharedID copies a backend stamped id onto the stored copy of m,
// so reactions addressed by that id find the message on this side too.
func (c *Client) adoptRecordSharedID(m *Message) {
	if m.RecordSharedID == "" {
		return
	}
	loc, ok := c.store.FindBySharedID(m.SharedID)
	if !ok || loc.Message.RecordSharedID != "" {
		return
	}
	loc.Message.RecordSharedID = m.RecordSharedID
}

func (c *Client) applyReaction(ev ReactionEvent, ts time.Time, b *eventBatch) {
	res, err := c.reactions.Apply(ev, ts)
	if err != nil {
		c.metrics.reaction("")
		c.log.Info().Err(err).Str("user", ev.User).Str("emoji", ev.Emoji).Msg("Reaction could not be applied")
		b.add(EventReactionUnresolved, UnresolvedReactionData{
			TargetID: ev.TargetID,
			Emoji:    ev.Emoji,
			User:     ev.User,
			Notice:   "Reaction from " + ev.User + " could not be applied",
		})
		return
	}
	c.metrics.reaction(res.Resolution)
	if !res.Changed {
		return
	}
	b.add(EventReactionApplied, ReactionEventData{
		ChatID:       res.ChatID,
		MessageID:    res.Message.LocalID,
		Emoji:        ev.Emoji,
		User:         ev.User,
		Action:       ev.Action,
		Resolution:   res.Resolution,
		OnOwnMessage: ev.Action == ReactionAdd && res.Message.Sender == c.self && ev.User != c.self,
	})
}
