// Package keyevent defines the wire protocol stations use to exchange raw key
// transitions. Each message carries one down or up edge together with the
// sender's timing hints so that receivers can rebuild elements, letters and
// words without agreeing on speed in advance.
//
// Typical usage:
//
//	payload, _ := keyevent.Encode(ev)
//	tr.Publish(ctx, keyevent.Topic(prefix, ev.Channel), payload)
//
//	dec := keyevent.NewDecoder(localHints)
//	ev, err := dec.Decode(payload) // err is ErrMalformed, ErrInvalid or ErrProtocol
package keyevent

import (
	"sort"
	"strconv"
	"strings"
)

const (
	ProtocolName    = "morselink.keyevent"
	ProtocolVersion = 2

	DefaultTopicPrefix = "morselink/v2/keyevent"
	MinDotMS           = 20
	MaxDotMS           = 2000
	// MaxGapMS caps dash and gap hints. The word gap may exceed it by one dot.
	MaxGapMS = 60_000
)

// Type is the key edge a message reports.
type Type string

const (
	Down Type = "down"
	Up   Type = "up"
)

// Hints are the sender's configured timings in milliseconds.
type Hints struct {
	DotMS       int64 `json:"dot_ms_hint"`
	DashMS      int64 `json:"dash_ms_hint"`
	LetterGapMS int64 `json:"letter_gap_ms_hint"`
	WordGapMS   int64 `json:"word_gap_ms_hint"`
}

// Clamp enforces 20 <= dot <= 2000, dash >= 2*dot, letter >= 2*dot and
// word >= letter+dot, with dash and gaps capped near MaxGapMS so no hint can
// overflow later arithmetic. Clamping a clamped value is a no-op.
func (h Hints) Clamp() Hints {
	h.DotMS = min(max(MinDotMS, h.DotMS), MaxDotMS)
	h.DashMS = max(2*h.DotMS, min(h.DashMS, MaxGapMS))
	h.LetterGapMS = max(2*h.DotMS, min(h.LetterGapMS, MaxGapMS))
	h.WordGapMS = max(h.LetterGapMS+h.DotMS, min(h.WordGapMS, MaxGapMS))
	return h
}

// MaxHoldMS bounds how long a down may stay open without an up.
func (h Hints) MaxHoldMS() int64 { return 4 * h.DashMS }

// KeyEvent is immutable once sent. EventTimeMS is on the sender's
// session-relative clock and never decreases within a session.
type KeyEvent struct {
	Protocol    string `json:"protocol"`
	Version     int    `json:"version"`
	SessionID   string `json:"session_id"`
	Seq         uint64 `json:"seq"`
	Call        string `json:"myCall"`
	Channel     int    `json:"myChannel"`
	Event       Type   `json:"event"`
	EventTimeMS int64  `json:"event_time_ms"`
	KeyerMode   string `json:"keyer_mode"`
	Hints
}

// Topic is the channel's publish topic, "<prefix>/<channel>".
func Topic(prefix string, channel int) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return strings.TrimRight(prefix, "/") + "/" + strconv.Itoa(channel)
}

// ChannelOf parses the channel back out of a topic built by Topic.
func ChannelOf(prefix, topic string) (int, bool) {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	rest, ok := strings.CutPrefix(topic, strings.TrimRight(prefix, "/")+"/")
	if !ok {
		return 0, false
	}
	ch, err := strconv.Atoi(rest)
	return ch, err == nil
}

// SubscribeWindow returns the topics for center±span, bounded by
// [minCh, maxCh], in ascending channel order.
func SubscribeWindow(prefix string, center, span, minCh, maxCh int) []string {
	lo := max(minCh, center-span)
	hi := min(maxCh, center+span)
	if hi < lo {
		return nil
	}
	topics := make([]string, 0, hi-lo+1)
	for ch := lo; ch <= hi; ch++ {
		topics = append(topics, Topic(prefix, ch))
	}
	return topics
}

// Diff reports which topics to add and which to drop when moving from cur to next.
func Diff(cur, next []string) (add, drop []string) {
	have := make(map[string]bool, len(cur))
	for _, t := range cur {
		have[t] = true
	}
	want := make(map[string]bool, len(next))
	for _, t := range next {
		want[t] = true
		if !have[t] {
			add = append(add, t)
		}
	}
	for _, t := range cur {
		if !want[t] {
			drop = append(drop, t)
		}
	}
	sort.Strings(add)
	sort.Strings(drop)
	return add, drop
}
