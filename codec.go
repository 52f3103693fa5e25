package chatsync

import (
	"fmt"
	"regexp"
)

// ============================================================================
// Control-message payloads
// ============================================================================

// PayloadKind tags the variant of a decoded record.
type PayloadKind string

const (
	KindPlain    PayloadKind = "plain"
	KindReaction PayloadKind = "reaction"
	KindReply    PayloadKind = "reply"
	KindForward  PayloadKind = "forward"
)

// Payload is the decoded form of a message text. Records are decoded once
// at ingestion; downstream code switches on the concrete type.
type Payload interface {
	Kind() PayloadKind
}

// ReactionAction is add or remove.
type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

// PlainMessage is ordinary text delivered verbatim.
type PlainMessage struct {
	Text string
}

// ReactionEvent adds or removes one user's emoji on a target message.
type ReactionEvent struct {
	TargetID string
	Emoji    string
	User     string
	Action   ReactionAction
}

// ReplyMessage is a message that quotes an earlier one.
type ReplyMessage struct {
	Identifier     string
	OriginalSender string
	OriginalText   string
	Body           string
}

// ForwardMessage re-sends another user's message.
type ForwardMessage struct {
	OriginalSender string
	Text           string
}

func (PlainMessage) Kind() PayloadKind   { return KindPlain }
func (ReactionEvent) Kind() PayloadKind  { return KindReaction }
func (ReplyMessage) Kind() PayloadKind   { return KindReply }
func (ForwardMessage) Kind() PayloadKind { return KindForward }

// DisplayText returns the forwarded text with its attribution prefix.
func (f ForwardMessage) DisplayText() string {
	return forwardDisplayPrefix(f.OriginalSender) + f.Text
}

func forwardDisplayPrefix(sender string) string {
	return "↪ Forwarded from " + sender + ": "
}

// ============================================================================
// Decode
// ============================================================================

var (
	reactionPattern = regexp.MustCompile(`\[REACTION:([^:]+):([^:]+):([^:]+):([^\]]+)\]`)
	forwardPattern  = regexp.MustCompile(`\[FORWARDED_FROM:([^\]]+)\] (.+)`)
	replyPattern    = regexp.MustCompile(`\[REPLY_TO:([^:]+):([^\]]+)\] (.+) \|\| (.+)`)
)

// Decode classifies a message text. Reactions take precedence, then
// forwards, then replies; text matching none of the shapes (including
// malformed control text) is a PlainMessage.
func Decode(content string) Payload {
	if m := reactionPattern.FindStringSubmatch(content); m != nil {
		action := ReactionAction(m[4])
		if action == ReactionAdd || action == ReactionRemove {
			return ReactionEvent{TargetID: m[1], Emoji: m[2], User: m[3], Action: action}
		}
	}
	if m := forwardPattern.FindStringSubmatch(content); m != nil {
		return ForwardMessage{OriginalSender: m[1], Text: m[2]}
	}
	if m := replyPattern.FindStringSubmatch(content); m != nil {
		return ReplyMessage{Identifier: m[1], OriginalSender: m[2], OriginalText: m[3], Body: m[4]}
	}
	return PlainMessage{Text: content}
}

// ============================================================================
// Encode
// ============================================================================

// EncodeReaction renders a reaction event for transport.
func EncodeReaction(ev ReactionEvent) string {
	return fmt.Sprintf("[REACTION:%s:%s:%s:%s]", ev.TargetID, ev.Emoji, ev.User, ev.Action)
}

// EncodeReply renders a reply for transport.
func EncodeReply(r ReplyMessage) string {
	return fmt.Sprintf("[REPLY_TO:%s:%s] %s || %s", r.Identifier, r.OriginalSender, r.OriginalText, r.Body)
}

// EncodeForward renders a forward for transport.
func EncodeForward(f ForwardMessage) string {
	return fmt.Sprintf("[FORWARDED_FROM:%s] %s", f.OriginalSender, f.Text)
}

// Encode renders any payload for transport.
func Encode(p Payload) string {
	switch v := p.(type) {
	case ReactionEvent:
		return EncodeReaction(v)
	case ReplyMessage:
		return EncodeReply(v)
	case ForwardMessage:
		return EncodeForward(v)
	case PlainMessage:
		return v.Text
	}
	return ""
}
