package chatsync

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// ============================================================================
// Content identity
// ============================================================================

const (
	sharedIDPrefix   = "shared_"
	replyIDPrefix    = "msg_"
	sharedTextPrefix = 50
	replyTextPrefix  = 20

	// hashTimeLayout is the ISO layout with the fractional part cut off.
	hashTimeLayout = "2006-01-02T15:04:05"
)

// SharedID derives the cross-client identifier of a message from its
// content. Every client computing it over the same logical message gets the
// same value; sub-second timestamp jitter and surrounding whitespace are
// normalized away.
func SharedID(sender, receiver, text string, ts time.Time) string {
	key := ts.UTC().Truncate(time.Second).Format(hashTimeLayout) + ":" +
		strings.TrimSpace(sender) + ":" +
		strings.TrimSpace(receiver) + ":" +
		prefixUnits(strings.TrimSpace(text), sharedTextPrefix)
	return sharedIDPrefix + base36Abs(rollingHash(key))
}

// ReplyIdentifier derives the lightweight pointer a reply carries to its
// original message. It only covers the sender and a short text prefix, so
// distinct messages can share one.
func ReplyIdentifier(sender, text string) string {
	return replyIDPrefix + base36Abs(rollingHash(sender+":"+prefixUnits(text, replyTextPrefix)))
}

// IsSharedID reports whether id has the shape produced by SharedID.
func IsSharedID(id string) bool {
	return strings.HasPrefix(id, sharedIDPrefix)
}

// rollingHash is the 32-bit h*31+c hash over UTF-16 code units.
func rollingHash(s string) int32 {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(u)
	}
	return h
}

func base36Abs(h int32) string {
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}

// prefixUnits truncates s to its first n UTF-16 code units. A surrogate pair
// split by the cut keeps its high half, which is what browsers hash.
func prefixUnits(s string, n int) string {
	units := utf16.Encode([]rune(s))
	if len(units) <= n {
		return s
	}
	return string(utf16.Decode(units[:n]))
}

// ============================================================================
// Local identity
// ============================================================================

const localIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewLocalID returns a client-local message id: creation millis plus a
// random suffix. It is not unique across clients.
func NewLocalID(now time.Time) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	b.WriteByte('-')
	max := big.NewInt(int64(len(localIDAlphabet)))
	for i := 0; i < 9; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// Fallback to a time-derived digit
			b.WriteByte(localIDAlphabet[(now.UnixNano()>>uint(i))%int64(len(localIDAlphabet))])
			continue
		}
		b.WriteByte(localIDAlphabet[n.Int64()])
	}
	return b.String()
}

// ParseTimestamp parses a wire timestamp. ISO-8601 strings with or without a
// zone, and unix millisecond numbers, are accepted.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// FormatTimestamp renders t the way the browser client does (toISOString).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
