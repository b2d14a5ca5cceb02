// Package qso logs completed exchanges. A Tracker groups the symbols a
// station sends or hears into records that close after an idle period; a
// Store persists them.
package qso

import (
	"context"
	"strings"
	"time"

	"github.com/ryandielhenn/cwlink/pkg/sched"
)

type Direction string

const (
	Send    Direction = "Send"
	Receive Direction = "Receive"
)

// ParseDirection accepts "send" or "receive" in any case. Anything else
// yields "", which matches both directions in a Query.
func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "send":
		return Send
	case "receive":
		return Receive
	}
	return ""
}

// DefaultIdle closes a record after three seconds without keying.
const DefaultIdle = 3 * time.Second

type Record struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Direction  Direction `json:"direction"`
	Sender     string    `json:"sender,omitempty"`
	Morse      string    `json:"message_morse"`
	Text       string    `json:"message_text"`
	DurationMS int64     `json:"duration_ms"`
	// PlayTimes and Gaps hold each press and the silence before it, in ms.
	PlayTimes []int64 `json:"play_time_ms,omitempty"`
	Gaps      []int64 `json:"play_interval_ms,omitempty"`
}

type Query struct {
	Keyword   string
	Direction Direction
	Since     time.Time
	Until     time.Time
	Page      int
	PageSize  int
	Ascending bool
}

type Store interface {
	Insert(ctx context.Context, r Record) (int64, error)
	// List returns one page of matching records and the total match count.
	List(ctx context.Context, q Query) ([]Record, int, error)
	Delete(ctx context.Context, ids ...int64) (int, error)
	Close() error
}

// Tracker must be driven from the scheduler's dispatch context.
type Tracker struct {
	sched sched.Scheduler
	idle  time.Duration
	wall  func() time.Time
	save  func(Record)

	cur     *Record
	started time.Duration
	timer   sched.Handle
}

func NewTracker(s sched.Scheduler, idle time.Duration, save func(Record)) *Tracker {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Tracker{sched: s, idle: idle, wall: time.Now, save: save}
}

// Symbol appends one keyed element. A change of direction or sender closes
// the open record first.
func (t *Tracker) Symbol(dir Direction, sender, sym string, press, gap time.Duration) {
	r := t.open(dir, sender)
	r.Morse += sym
	r.PlayTimes = append(r.PlayTimes, press.Milliseconds())
	r.Gaps = append(r.Gaps, gap.Milliseconds())
}

func (t *Tracker) Letter(dir Direction, sender string, ch rune) {
	if r := t.match(dir, sender); r != nil {
		r.Morse += "/"
		r.Text += string(ch)
		t.arm()
	}
}

func (t *Tracker) Word(dir Direction, sender string) {
	if r := t.match(dir, sender); r != nil && !strings.HasSuffix(r.Text, " ") {
		r.Morse += "/"
		r.Text += " "
		t.arm()
	}
}

// Open returns a copy of the record being assembled.
func (t *Tracker) Open() (Record, bool) {
	if t.cur == nil {
		return Record{}, false
	}
	return *t.cur, true
}

// Flush closes the open record and hands it to save.
func (t *Tracker) Flush() {
	t.sched.Cancel(t.timer)
	t.timer = 0
	r := t.cur
	if r == nil {
		return
	}
	t.cur = nil
	if r.Morse == "" {
		return
	}
	r.DurationMS = (t.sched.Now() - t.started).Milliseconds()
	r.Text = strings.TrimSpace(r.Text)
	if t.save != nil {
		t.save(*r)
	}
}

func (t *Tracker) match(dir Direction, sender string) *Record {
	if t.cur == nil || t.cur.Direction != dir || t.cur.Sender != sender {
		return nil
	}
	return t.cur
}

func (t *Tracker) open(dir Direction, sender string) *Record {
	if t.cur != nil && t.match(dir, sender) == nil {
		t.Flush()
	}
	if t.cur == nil {
		t.cur = &Record{CreatedAt: t.wall().UTC(), Direction: dir, Sender: sender}
		t.started = t.sched.Now()
	}
	t.arm()
	return t.cur
}

func (t *Tracker) arm() {
	t.sched.Cancel(t.timer)
	t.timer = t.sched.Schedule(t.idle, t.Flush)
}
