package chatsync

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	fallbackRecentMessages = 20
	fallbackWindow         = 5 * time.Minute
)

// Resolution labels how a reaction found its target message.
type Resolution string

const (
	ResolvedBySharedID Resolution = "shared_id"
	ResolvedByLocalID  Resolution = "local_id"
	// ResolvedByFallback is the degraded path: the target id matched nothing
	// and a recent message close in time was taken instead.
	ResolvedByFallback Resolution = "fallback"
)

// ReactionResult describes an applied reaction.
type ReactionResult struct {
	ChatID     string
	Message    *Message
	Resolution Resolution
	// Changed is false when the event was a no-op (repeated add, remove of
	// an absent user).
	Changed bool
}

// Reconciler applies reaction events to messages across all conversations.
// Like Store it relies on the Client for serialization.
type Reconciler struct {
	store *Store
	state *LocalState
	log   zerolog.Logger
}

// NewReconciler creates a reconciler over store, persisting through state.
func NewReconciler(store *Store, state *LocalState, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, state: state, log: log.With().Str("component", "reactions").Logger()}
}

// Resolve finds the message targetID refers to.
func (r *Reconciler) Resolve(targetID string, eventTime time.Time) (Located, Resolution, bool) {
	if loc, ok := r.store.FindBySharedID(targetID); ok {
		return loc, ResolvedBySharedID, true
	}
	if loc, ok := r.store.FindByLocalID(targetID); ok {
		return loc, ResolvedByLocalID, true
	}
	for _, loc := range r.store.Recent(fallbackRecentMessages) {
		d := eventTime.Sub(loc.Message.Timestamp)
		if d < 0 {
			d = -d
		}
		if d < fallbackWindow {
			return loc, ResolvedByFallback, true
		}
	}
	return Located{}, "", false
}

// Apply applies ev, received at eventTime, and persists the target's
// reactions. The only error is ErrUnresolvedReaction, returned when no target
// is found; such events are dropped, never queued.
func (r *Reconciler) Apply(ev ReactionEvent, eventTime time.Time) (*ReactionResult, error) {
	loc, how, ok := r.Resolve(ev.TargetID, eventTime)
	if !ok {
		return nil, errors.Wrapf(ErrUnresolvedReaction, "target %s", ev.TargetID)
	}
	if how == ResolvedByFallback {
		r.log.Warn().
			Str("target_id", ev.TargetID).
			Str("local_id", loc.Message.LocalID).
			Msg("Reaction target matched by recency fallback")
	}
	changed := applyReaction(loc.Message, ev.Emoji, ev.User, ev.Action)
	if err := r.persist(loc.Message); err != nil {
		r.log.Warn().Err(err).Str("local_id", loc.Message.LocalID).Msg("Failed to persist reactions")
	}
	return &ReactionResult{ChatID: loc.Chat.ID, Message: loc.Message, Resolution: how, Changed: changed}, nil
}

// Toggle flips user's emoji reaction on m and returns the resulting action.
func (r *Reconciler) Toggle(m *Message, emoji, user string) (ReactionAction, error) {
	action := ReactionAdd
	if sum, ok := m.Reactions[emoji]; ok && contains(sum.Users, user) {
		action = ReactionRemove
	}
	applyReaction(m, emoji, user, action)
	return action, r.persist(m)
}

// Restore loads saved reactions into m, if any were persisted.
func (r *Reconciler) Restore(m *Message) {
	if m.LocalID == "" {
		return
	}
	if saved := r.state.Reactions(m.LocalID); len(saved) > 0 {
		m.Reactions = saved
	}
}

func (r *Reconciler) persist(m *Message) error {
	if m.LocalID == "" {
		return nil
	}
	return errors.Wrap(r.state.SaveReactions(m.LocalID, m.Reactions), "persist reactions")
}

// applyReaction mutates m's reaction map keeping Count == len(Users) and
// dropping emoji entries that reach zero. It reports whether m changed.
func applyReaction(m *Message, emoji, user string, action ReactionAction) bool {
	switch action {
	case ReactionAdd:
		if m.Reactions == nil {
			m.Reactions = make(map[string]*ReactionSummary)
		}
		sum, ok := m.Reactions[emoji]
		if !ok {
			sum = &ReactionSummary{}
			m.Reactions[emoji] = sum
		}
		if contains(sum.Users, user) {
			return false
		}
		sum.Users = append(sum.Users, user)
		sum.Count = len(sum.Users)
		return true
	case ReactionRemove:
		sum, ok := m.Reactions[emoji]
		if !ok || !contains(sum.Users, user) {
			return false
		}
		sum.Users = remove(sum.Users, user)
		sum.Count = len(sum.Users)
		if sum.Count == 0 {
			delete(m.Reactions, emoji)
		}
		return true
	}
	return false
}
