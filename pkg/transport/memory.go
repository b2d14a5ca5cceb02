package transport

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
)

// Faults configures loss injection on a Hub. Probabilities are per delivery
// and independent; Seed makes a run reproducible.
type Faults struct {
	Drop      float64
	Duplicate float64
	// Reorder holds a delivery back until the next one to the same peer.
	Reorder float64
	Seed    int64
}

type Stats struct {
	Published  int
	Delivered  int
	Dropped    int
	Duplicated int
	Reordered  int
}

type message struct {
	topic   string
	payload []byte
}

type delivery struct {
	to  *Memory
	msg message
}

// Hub is an in-process broker. Handlers run synchronously on the
// publisher's goroutine.
type Hub struct {
	mu     sync.Mutex
	faults Faults
	rng    *rand.Rand
	peers  []*Memory
	held   map[*Memory][]message
	stats  Stats
}

func NewHub(f Faults) *Hub {
	return &Hub{
		faults: f,
		rng:    rand.New(rand.NewSource(f.Seed)),
		held:   make(map[*Memory][]message),
	}
}

// Connect attaches a new client to the hub.
func (h *Hub) Connect(name string) *Memory {
	m := &Memory{hub: h, name: name}
	h.mu.Lock()
	h.peers = append(h.peers, m)
	h.mu.Unlock()
	return m
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Flush delivers every message still held back for reordering.
func (h *Hub) Flush() {
	h.mu.Lock()
	var out []delivery
	for _, p := range h.peers {
		for _, msg := range h.held[p] {
			out = append(out, delivery{to: p, msg: msg})
		}
		delete(h.held, p)
	}
	h.stats.Delivered += len(out)
	h.mu.Unlock()
	h.dispatch(out)
}

func (h *Hub) roll(p float64) bool {
	return p > 0 && h.rng.Float64() < p
}

func (h *Hub) publish(topic string, payload []byte) {
	msg := message{topic: topic, payload: append([]byte(nil), payload...)}

	h.mu.Lock()
	h.stats.Published++
	var out []delivery
	for _, p := range h.peers {
		if !p.subs.has(topic) {
			continue
		}
		if h.roll(h.faults.Drop) {
			h.stats.Dropped++
			continue
		}
		if h.roll(h.faults.Reorder) {
			h.held[p] = append(h.held[p], msg)
			h.stats.Reordered++
			continue
		}
		out = append(out, delivery{to: p, msg: msg})
		if h.roll(h.faults.Duplicate) {
			out = append(out, delivery{to: p, msg: msg})
			h.stats.Duplicated++
		}
		for _, late := range h.held[p] {
			out = append(out, delivery{to: p, msg: late})
		}
		delete(h.held, p)
	}
	h.stats.Delivered += len(out)
	h.mu.Unlock()

	h.dispatch(out)
}

func (h *Hub) dispatch(out []delivery) {
	for _, d := range out {
		d.to.subs.deliver(d.msg.topic, d.msg.payload)
	}
}

func (h *Hub) remove(m *Memory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.peers {
		if p == m {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			break
		}
	}
	delete(h.held, m)
}

// Memory is one client of a Hub.
type Memory struct {
	hub    *Hub
	name   string
	subs   subscriptions
	closed atomic.Bool
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.hub.publish(topic, payload)
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topics []string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.subs.replace(topics)
	return nil
}

// Topics returns the current subscription set.
func (m *Memory) Topics() []string { return m.subs.current() }

func (m *Memory) OnMessage(h Handler) { m.subs.setHandler(h) }

func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.hub.remove(m)
	return nil
}
