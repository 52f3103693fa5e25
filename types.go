package chatsync

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error answer from the backend ({success:false}).
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return "backend: " + e.Message
	}
	return e.Code + ": " + e.Message
}

var (
	ErrUnresolvedReaction = errors.New("reaction target not found")
	ErrRequestChat        = errors.New("cannot send messages to pending requests")
	ErrUnknownChat        = errors.New("unknown chat")
	ErrNotLoggedIn        = errors.New("not logged in")
	ErrMessageNotFound    = errors.New("message not found")
	ErrBlocked            = errors.New("user is blocked")
	ErrNotRequest         = errors.New("chat is not a pending request")
)

// GroupChatID is the id of the shared group conversation every user sees.
const GroupChatID = "Global Chat"

// GroupReceiver is the receiver value used on the wire for group messages.
const GroupReceiver = "GROUP"

// requestPrefix distinguishes pending-request chat ids from normal chat ids.
const requestPrefix = "request_"

// RequestChatID returns the chat id used for a pending request from sender.
func RequestChatID(sender string) string {
	return requestPrefix + sender
}

// IsGroupReceiver reports whether a wire receiver addresses the group chat.
func IsGroupReceiver(receiver string) bool {
	return receiver == GroupReceiver || receiver == GroupChatID
}

// ============================================================================
// Messages
// ============================================================================

// ReactionSummary is the aggregated state of one emoji on one message.
// Count always equals len(Users).
type ReactionSummary struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// ReplyRef is the back-reference carried by a reply.
type ReplyRef struct {
	Identifier string    `json:"identifier"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// Message is one entry in a conversation log.
type Message struct {
	Sender         string                      `json:"sender"`
	Receiver       string                      `json:"receiver"`
	Text           string                      `json:"text"`
	Timestamp      time.Time                   `json:"timestamp"`
	LocalID        string                      `json:"localId"`
	SharedID       string                      `json:"sharedId"`
	RecordID       string                      `json:"recordId,omitempty"`
	RecordSharedID string                      `json:"recordSharedId,omitempty"`
	Reactions      map[string]*ReactionSummary `json:"reactions,omitempty"`
	IsReply        bool                        `json:"isReply,omitempty"`
	ReplyTo        *ReplyRef                   `json:"replyTo,omitempty"`
	IsForwarded    bool                        `json:"isForwarded,omitempty"`
	OriginalSender string                      `json:"originalSender,omitempty"`
}

// DisplayText returns the text a view should render for the message.
func (m *Message) DisplayText() string {
	if m.IsForwarded {
		return forwardDisplayPrefix(m.OriginalSender) + m.Text
	}
	return m.Text
}

// ReactionCount returns the count for emoji, zero when absent.
func (m *Message) ReactionCount(emoji string) int {
	if r, ok := m.Reactions[emoji]; ok {
		return r.Count
	}
	return 0
}

// ============================================================================
// Conversations
// ============================================================================

// ChatKind classifies a conversation.
type ChatKind string

const (
	KindIndividual ChatKind = "individual"
	KindGroup      ChatKind = "group"
	KindRequest    ChatKind = "request"
)

// Chat is a conversation with its ordered (arrival order) message log.
type Chat struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         ChatKind   `json:"type"`
	Sender       string     `json:"sender,omitempty"`
	Messages     []*Message `json:"messages"`
	LastActivity time.Time  `json:"lastActivity,omitempty"`
	UnreadCount  int        `json:"unread"`
	Temporary    bool       `json:"isTemporary,omitempty"`
	CreatedAt    time.Time  `json:"createdAt,omitempty"`
}

// IsRequest reports whether the chat is a pending message request.
func (c *Chat) IsRequest() bool {
	return c.Kind == KindRequest
}

// LastMessage returns the most recently appended message, or nil.
func (c *Chat) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// ContactState is the lifecycle state of a remote sender.
type ContactState string

const (
	StateStranger ContactState = "stranger"
	StatePending  ContactState = "pending_request"
	StateContact  ContactState = "contact"
	StateBlocked  ContactState = "blocked"
)

// ============================================================================
// Wire Types
// ============================================================================

// Record is a single unit returned by a poll.
type Record struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	MessageID  string `json:"message_id,omitempty"`
	SharedID   string `json:"shared_id,omitempty"`
}

// Key returns the id the seen-record set is keyed by, or "" when the
// backend reported none.
func (r *Record) Key() string {
	if r.MessageID != "" {
		return r.MessageID
	}
	return r.SharedID
}

// PollResponse is the answer to a get_messages request.
type PollResponse struct {
	Success  bool     `json:"success"`
	Messages []Record `json:"messages"`
	Error    string   `json:"error,omitempty"`
}

// SendRequest is the body of an outbound append.
type SendRequest struct {
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Message   string `json:"message"`
	SenderID  string `json:"sender_id,omitempty"`
}

// SendResponse is the answer to an outbound append.
type SendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ============================================================================
// Account and Settings
// ============================================================================

// User is the backend account record returned by login.
type User struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Profile is the locally persisted profile record.
type Profile struct {
	Name      string    `json:"name"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// WhoCanMessage is the tri-state "who may message me" setting.
type WhoCanMessage string

const (
	AllowEveryone WhoCanMessage = "everyone"
	AllowContacts WhoCanMessage = "contacts"
	AllowNobody   WhoCanMessage = "nobody"
)

// PrivacySettings are the persisted privacy preferences.
type PrivacySettings struct {
	WhoCanMessage WhoCanMessage `json:"whoCanMessage"`
	ReadReceipts  bool          `json:"readReceipts"`
	LastSeen      string        `json:"lastSeen"`
}

// DefaultPrivacy returns the settings used when none are persisted.
func DefaultPrivacy() PrivacySettings {
	return PrivacySettings{WhoCanMessage: AllowEveryone, ReadReceipts: true, LastSeen: "everyone"}
}

// LoginResponse is the answer to register and login requests.
type LoginResponse struct {
	Success bool   `json:"success"`
	User    *User  `json:"user,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UsersResponse is the answer to get_users.
type UsersResponse struct {
	Success bool   `json:"success"`
	Users   []User `json:"users"`
	Error   string `json:"error,omitempty"`
}

// PushSubscription is an opaque push-subscription blob.
type PushSubscription = json.RawMessage
