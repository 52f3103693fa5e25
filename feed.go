package chatsync

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// FeedEnvelope is the wire format of everything the feed sends.
type FeedEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// FeedCommand is a command sent by a feed subscriber.
type FeedCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Envelope types that are not client events.
const (
	FeedSnapshot = "snapshot"
	FeedPong     = "pong"
	FeedResult   = "result"
	FeedError    = "error"
)

type feedChatPayload struct {
	ChatID string `json:"chatId"`
}

type feedSendPayload struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	ReplyTo string `json:"replyTo,omitempty"`
}

type feedReactPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// ============================================================================
// Feed server
// ============================================================================

const (
	feedBuffer         = 64
	feedWriteTimeout   = 5 * time.Second
	feedHeartbeat      = 25 * time.Second
	feedCommandTimeout = 30 * time.Second
)

// Feed pushes client events to websocket subscribers, the rendering side of
// the application, and accepts view commands from them.
type Feed struct {
	client *Client
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[*feedSub]struct{}
}

type feedSub struct {
	msgs chan []byte
}

// NewFeed attaches a feed to client.
func NewFeed(client *Client) *Feed {
	f := &Feed{
		client: client,
		log:    client.log.With().Str("component", "feed").Logger(),
		subs:   make(map[*feedSub]struct{}),
	}
	client.OnAny(f.broadcast)
	return f
}

// Handler serves the websocket feed on /ws, a JSON snapshot on /snapshot
// and the client metrics on /metrics.
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", f)
	mux.HandleFunc("/snapshot", f.snapshotHandler)
	mux.Handle("/metrics", f.client.Metrics().Handler())
	return mux
}

// Subscribers returns the number of connected subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snap := f.client.Snapshot()
	if err := json.NewEncoder(w).Encode(&snap); err != nil {
		f.log.Warn().Err(err).Msg("Failed to write snapshot")
	}
}

func (f *Feed) broadcast(event string, payload any) {
	data, err := encodeEnvelope(event, "", payload)
	if err != nil {
		f.log.Warn().Err(err).Str("event", event).Msg("Failed to encode event")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		select {
		case s.msgs <- data:
		default:
			// subscriber is not keeping up
			delete(f.subs, s)
			close(s.msgs)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the subscriber
// goes away.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.log.Debug().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := &feedSub{msgs: make(chan []byte, feedBuffer)}
	snap := f.client.Snapshot()
	first, err := encodeEnvelope(FeedSnapshot, "", &snap)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "snapshot")
		return
	}
	if err := writeTimeout(ctx, conn, first); err != nil {
		return
	}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	defer f.unsubscribe(sub)

	go f.readLoop(ctx, cancel, conn, sub)

	heartbeat := time.NewTicker(feedHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case data, ok := <-sub.msgs:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := writeTimeout(ctx, conn, data); err != nil {
				return
			}
		case <-heartbeat.C:
			pctx, pcancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		}
	}
}

func (f *Feed) unsubscribe(sub *feedSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.msgs)
	}
}

func (f *Feed) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *feedSub) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd FeedCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			f.reply(sub, FeedError, "", map[string]string{"message": "malformed command"})
			continue
		}
		cctx, ccancel := context.WithTimeout(ctx, feedCommandTimeout)
		result, err := f.handleCommand(cctx, &cmd)
		ccancel()
		if err != nil {
			f.reply(sub, FeedError, cmd.RequestID, map[string]string{"message": err.Error()})
			continue
		}
		if cmd.Type == "ping" {
			f.reply(sub, FeedPong, cmd.RequestID, nil)
			continue
		}
		f.reply(sub, FeedResult, cmd.RequestID, result)
	}
}

func (f *Feed) reply(sub *feedSub, typ, requestID string, payload any) {
	data, err := encodeEnvelope(typ, requestID, payload)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; !ok {
		return
	}
	select {
	case sub.msgs <- data:
	default:
	}
}

func (f *Feed) handleCommand(ctx context.Context, cmd *FeedCommand) (any, error) {
	c := f.client
	switch cmd.Type {
	case "ping":
		return nil, nil
	case "snapshot":
		snap := c.Snapshot()
		return &snap, nil
	case "chat.open":
		var p feedChatPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "chat.open")
		}
		return c.OpenChat(p.ChatID)
	case "chat.close":
		c.CloseChat()
		return nil, nil
	case "chat.read":
		var p feedChatPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "chat.read")
		}
		return nil, c.MarkRead(p.ChatID)
	case "message.send":
		var p feedSendPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "message.send")
		}
		if p.ReplyTo != "" {
			return c.Reply(ctx, p.ChatID, p.ReplyTo, p.Text)
		}
		return c.Send(ctx, p.ChatID, p.Text)
	case "reaction.toggle":
		var p feedReactPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "reaction.toggle")
		}
		action, err := c.React(ctx, p.MessageID, p.Emoji)
		return map[string]string{"action": string(action)}, err
	}
	return nil, errors.Errorf("unknown command %q", cmd.Type)
}

func encodeEnvelope(typ, requestID string, payload any) ([]byte, error) {
	env := FeedEnvelope{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "marshal payload")
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func writeTimeout(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Feed watcher
// ============================================================================

// WatchConfig configures WatchFeed.
type WatchConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HTTPClient           *http.Client
	Logger               zerolog.Logger
}

func (c *WatchConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// WatchFeed connects to a feed at baseURL and calls handle for every
// envelope until ctx is done or reconnect attempts run out.
func WatchFeed(ctx context.Context, baseURL string, cfg *WatchConfig, handle func(FeedEnvelope)) error {
	if cfg == nil {
		cfg = &WatchConfig{}
	}
	cfg.defaults()
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws"

	recon := &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
	for {
		err := watchOnce(ctx, wsURL, cfg, recon, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !cfg.AutoReconnect || !recon.shouldReconnect() {
			return err
		}
		delay := recon.nextDelay()
		cfg.Logger.Warn().Err(err).Int("attempt", recon.attempt).Dur("delay", delay).Msg("Feed disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func watchOnce(ctx context.Context, wsURL string, cfg *WatchConfig, recon *reconnector, handle func(FeedEnvelope)) error {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: cfg.HTTPClient})
	if err != nil {
		return errors.Wrap(err, "websocket dial")
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(16 << 20)
	recon.markConnected()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return errors.Wrap(err, "read feed")
		}
		var env FeedEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		handle(env)
	}
}

// ── Reconnector ──────────────────────────────────────────

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
