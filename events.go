package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Events
// ============================================================================

// Event names emitted by the Client.
const (
	EventMessageNew         = "message.new"
	EventRequestNew         = "request.new"
	EventReactionApplied    = "reaction.applied"
	EventReactionUnresolved = "reaction.unresolved"
	EventUnreadChanged      = "unread.changed"
	EventSendFailed         = "send.failed"
	EventChatRemoved        = "chat.removed"
)

// anyEvent subscribes a handler to every event.
const anyEvent = "*"

// MessageEventData accompanies message.new.
type MessageEventData struct {
	ChatID  string   `json:"chatId"`
	Message *Message `json:"message"`
	// Background is set when the chat is not the one currently open.
	Background bool `json:"background"`
}

// RequestEventData accompanies request.new.
type RequestEventData struct {
	ChatID string `json:"chatId"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// ReactionEventData accompanies reaction.applied.
type ReactionEventData struct {
	ChatID     string         `json:"chatId"`
	MessageID  string         `json:"messageId"`
	Emoji      string         `json:"emoji"`
	User       string         `json:"user"`
	Action     ReactionAction `json:"action"`
	Resolution Resolution     `json:"resolution"`
	// OnOwnMessage is set when another user reacted to one of our messages.
	OnOwnMessage bool `json:"onOwnMessage"`
}

// UnresolvedReactionData accompanies reaction.unresolved.
type UnresolvedReactionData struct {
	TargetID string `json:"targetId"`
	Emoji    string `json:"emoji"`
	User     string `json:"user"`
	Notice   string `json:"notice"`
}

// UnreadEventData accompanies unread.changed.
type UnreadEventData struct {
	Counts    map[string]int `json:"counts"`
	HasUnread bool           `json:"hasUnread"`
}

// SendFailedData accompanies send.failed.
type SendFailedData struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

// ChatRemovedData accompanies chat.removed.
type ChatRemovedData struct {
	ChatID string `json:"chatId"`
	Reason string `json:"reason"`
}

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles client events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       zerolog.Logger
}

func newEmitter(log zerolog.Logger) *emitter {
	return &emitter{listeners: make(map[string][]EventHandler), log: log}
}

// On registers handler for event. Handlers run synchronously on the
// goroutine that produced the event, after the Client has released its lock,
// so they may call back into the Client.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

// OnAny registers handler for every event.
func (e *emitter) OnAny(handler EventHandler) {
	e.On(anyEvent, handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.listeners[event])+len(e.listeners[anyEvent]))
	handlers = append(handlers, e.listeners[event]...)
	handlers = append(handlers, e.listeners[anyEvent]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Str("event", event).Msg("Event handler panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
