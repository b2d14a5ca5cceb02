package rx

import (
	"container/list"
	"strings"
	"time"

	"github.com/ryandielhenn/cwlink/pkg/classify"
	"github.com/ryandielhenn/cwlink/pkg/keyevent"
	"github.com/ryandielhenn/cwlink/pkg/sched"
)

// SessionKey identifies one remote transmitting session on one channel.
// Call is upper-cased.
type SessionKey struct {
	Call      string
	SessionID string
	Channel   int
}

func keyOf(ev keyevent.KeyEvent) SessionKey {
	return SessionKey{Call: strings.ToUpper(ev.Call), SessionID: ev.SessionID, Channel: ev.Channel}
}

// session is the receive state for one SessionKey. It is owned by the
// table and mutated only from the dispatch context.
type session struct {
	key SessionKey

	lastSeq uint64
	hasSeq  bool

	isDown   bool
	downMS   int64
	lastUpMS int64
	hasUp    bool
	symbols  string
	active   bool // emitted something since the last word break

	hints      keyevent.Hints
	maxHoldMS  int64
	classifier *classify.Classifier

	lastEventMS   int64
	lastEventType keyevent.Type

	letterTimer, wordTimer, forceTimer sched.Handle

	lastSeen time.Duration
}

func (s *session) cancelTimers(sc sched.Scheduler) {
	s.cancelFinalize(sc)
	sc.Cancel(s.forceTimer)
	s.forceTimer = 0
}

func (s *session) cancelFinalize(sc sched.Scheduler) {
	sc.Cancel(s.letterTimer)
	sc.Cancel(s.wordTimer)
	s.letterTimer, s.wordTimer = 0, 0
}

// SessionInfo is a read-only snapshot of a tracked session.
type SessionInfo struct {
	SessionKey
	LastSeq  uint64         `json:"last_seq"`
	IsDown   bool           `json:"is_down"`
	Pending  string         `json:"pending"`
	Hints    keyevent.Hints `json:"hints"`
	LastSeen time.Duration  `json:"last_seen"`
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		SessionKey: s.key,
		LastSeq:    s.lastSeq,
		IsDown:     s.isDown,
		Pending:    s.symbols,
		Hints:      s.hints,
		LastSeen:   s.lastSeen,
	}
}

// Eviction reasons passed to the table's onEvict hook.
const (
	evictStale    = "stale"
	evictIdle     = "idle"
	evictCapacity = "capacity"
	evictFailed   = "failed"
	evictClosed   = "closed"
)

// sessionTable is an LRU of sessions with idle expiry. It is not safe for
// concurrent use.
type sessionTable struct {
	data    map[SessionKey]*list.Element
	ll      *list.List
	cap     int
	idle    time.Duration
	onEvict func(s *session, reason string)
}

func newSessionTable(capacity int, idle time.Duration, onEvict func(*session, string)) *sessionTable {
	return &sessionTable{
		data:    make(map[SessionKey]*list.Element),
		ll:      list.New(),
		cap:     capacity,
		idle:    idle,
		onEvict: onEvict,
	}
}

// get returns the session and marks it most recently used. A session idle
// past the expiry is evicted and reported missing.
func (t *sessionTable) get(key SessionKey, now time.Duration) (*session, bool) {
	s, ok := t.peek(key, now)
	if ok {
		t.touch(s, now)
	}
	return s, ok
}

// peek is get without refreshing recency or idle time.
func (t *sessionTable) peek(key SessionKey, now time.Duration) (*session, bool) {
	el, ok := t.data[key]
	if !ok {
		return nil, false
	}
	s := el.Value.(*session)
	if t.expired(s, now) {
		t.removeElement(el, evictIdle)
		return nil, false
	}
	return s, true
}

func (t *sessionTable) touch(s *session, now time.Duration) {
	if el, ok := t.data[s.key]; ok {
		s.lastSeen = now
		t.ll.MoveToFront(el)
	}
}

func (t *sessionTable) put(s *session, now time.Duration) {
	s.lastSeen = now
	if el, ok := t.data[s.key]; ok {
		el.Value = s
		t.ll.MoveToFront(el)
		return
	}
	t.data[s.key] = t.ll.PushFront(s)
	t.evictIfNeeded()
}

func (t *sessionTable) delete(key SessionKey, reason string) bool {
	el, ok := t.data[key]
	if ok {
		t.removeElement(el, reason)
	}
	return ok
}

// evictStale drops every other session of the same call on the same channel.
func (t *sessionTable) evictStale(key SessionKey) int {
	n := 0
	for el := t.ll.Front(); el != nil; {
		next := el.Next()
		s := el.Value.(*session)
		if s.key.Call == key.Call && s.key.Channel == key.Channel && s.key.SessionID != key.SessionID {
			t.removeElement(el, evictStale)
			n++
		}
		el = next
	}
	return n
}

// sweep evicts idle sessions.
func (t *sessionTable) sweep(now time.Duration) int {
	n := 0
	for el := t.ll.Back(); el != nil; {
		prev := el.Prev()
		if t.expired(el.Value.(*session), now) {
			t.removeElement(el, evictIdle)
			n++
		}
		el = prev
	}
	return n
}

// each visits sessions from most to least recently used.
func (t *sessionTable) each(fn func(*session)) {
	for el := t.ll.Front(); el != nil; el = el.Next() {
		fn(el.Value.(*session))
	}
}

func (t *sessionTable) len() int { return len(t.data) }

func (t *sessionTable) expired(s *session, now time.Duration) bool {
	return t.idle > 0 && now-s.lastSeen > t.idle
}

func (t *sessionTable) evictIfNeeded() {
	for t.cap > 0 && len(t.data) > t.cap && t.ll.Back() != nil {
		t.removeElement(t.ll.Back(), evictCapacity)
	}
}

func (t *sessionTable) removeElement(el *list.Element, reason string) {
	s := el.Value.(*session)
	delete(t.data, s.key)
	t.ll.Remove(el)
	if t.onEvict != nil {
		t.onEvict(s, reason)
	}
}
