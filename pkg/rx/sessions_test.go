package rx

import (
	"fmt"
	"testing"
	"time"
)

func sess(call, id string, ch int) *session {
	return &session{key: SessionKey{Call: call, SessionID: id, Channel: ch}}
}

func TestTablePutGetDelete(t *testing.T) {
	tb := newSessionTable(16, 0, nil)

	rows := []*session{sess("A", "1", 7000), sess("B", "1", 7000), sess("C", "1", 7001)}
	for _, s := range rows {
		tb.put(s, 0)
	}
	if got := tb.len(); got != len(rows) {
		t.Fatalf("len = %d, want %d", got, len(rows))
	}
	for _, s := range rows {
		got, ok := tb.get(s.key, time.Second)
		if !ok || got != s {
			t.Fatalf("get(%v) = %v,%v", s.key, got, ok)
		}
	}
	if ok := tb.delete(rows[1].key, evictClosed); !ok {
		t.Fatalf("delete(B) = false, want true")
	}
	if _, ok := tb.get(rows[1].key, time.Second); ok {
		t.Fatalf("get(B) ok after delete")
	}
}

func TestTableIdleExpiry(t *testing.T) {
	var evicted []string
	tb := newSessionTable(16, time.Minute, func(s *session, reason string) {
		evicted = append(evicted, s.key.Call+":"+reason)
	})
	tb.put(sess("A", "1", 1), 0)
	tb.put(sess("B", "1", 1), 30*time.Second)

	if _, ok := tb.get(SessionKey{"A", "1", 1}, 61*time.Second); ok {
		t.Fatalf("expected A to expire")
	}
	if n := tb.sweep(89 * time.Second); n != 0 {
		t.Fatalf("sweep at 89s evicted %d", n)
	}
	if n := tb.sweep(91 * time.Second); n != 1 {
		t.Fatalf("sweep at 91s evicted %d, want 1", n)
	}
	if fmt.Sprint(evicted) != "[A:idle B:idle]" {
		t.Fatalf("evicted = %v", evicted)
	}
}

func TestTableEvictionByCapacity_LRU(t *testing.T) {
	tb := newSessionTable(2, 0, nil)
	tb.put(sess("A", "1", 1), 0)
	tb.put(sess("B", "1", 1), 0)
	tb.get(SessionKey{"A", "1", 1}, 0) // A is now most recent
	tb.put(sess("C", "1", 1), 0)

	if _, ok := tb.get(SessionKey{"B", "1", 1}, 0); ok {
		t.Fatalf("expected B (LRU) to be evicted")
	}
	for _, c := range []string{"A", "C"} {
		if _, ok := tb.get(SessionKey{c, "1", 1}, 0); !ok {
			t.Fatalf("expected %s present", c)
		}
	}
}

func TestTableEvictStale(t *testing.T) {
	tb := newSessionTable(16, 0, nil)
	tb.put(sess("A", "old", 7000), 0)
	tb.put(sess("A", "other-channel", 7001), 0)
	tb.put(sess("B", "old", 7000), 0)

	if n := tb.evictStale(SessionKey{"A", "new", 7000}); n != 1 {
		t.Fatalf("evictStale = %d, want 1", n)
	}
	if tb.len() != 2 {
		t.Fatalf("len = %d, want 2", tb.len())
	}
	if _, ok := tb.get(SessionKey{"A", "other-channel", 7001}, 0); !ok {
		t.Fatalf("session on another channel was evicted")
	}
}
