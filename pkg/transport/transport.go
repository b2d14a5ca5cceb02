// Package transport carries encoded key events between stations over a
// topic-based pub/sub fabric. Implementations are swappable without touching
// the transmit or receive logic:
//
//	t := transport.NewHub(transport.Faults{}).Connect("k1abc")
//	t.OnMessage(func(topic string, payload []byte) { loop.Post(...) })
//	_ = t.Subscribe(ctx, keyevent.SubscribeWindow(prefix, 7000, 5, 7000, 7300))
//
// Memory is an in-process hub for tests and simulations, MQTT talks to a
// broker, and Etcd rides on an etcd cluster's watch stream.
//
// Delivery is best effort: no ordering, no deduplication, no retry. The
// receiver's sequence and debounce rules absorb the difference.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ryandielhenn/cwlink/pkg/keyevent"
)

var (
	ErrClosed       = errors.New("transport: closed")
	ErrNotConnected = errors.New("transport: not connected")
	ErrBackpressure = errors.New("transport: outbound buffer full")
)

// Handler receives inbound messages. It may be called from a transport
// goroutine; callers hop onto their own dispatch context.
type Handler func(topic string, payload []byte)

type Transport interface {
	// Publish hands payload to the fabric without waiting for delivery.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe replaces the current subscription set with topics.
	Subscribe(ctx context.Context, topics []string) error
	OnMessage(h Handler)
	Close() error
}

// subscriptions tracks the active topic set shared by all implementations.
type subscriptions struct {
	mu      sync.Mutex
	topics  []string
	handler Handler
}

// replace swaps in next and returns the topics to add and drop.
func (s *subscriptions) replace(next []string) (add, drop []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	add, drop = keyevent.Diff(s.topics, next)
	s.topics = append([]string(nil), next...)
	return add, drop
}

// restore puts back a set recorded before a failed replace.
func (s *subscriptions) restore(prev []string) {
	s.mu.Lock()
	s.topics = prev
	s.mu.Unlock()
}

func (s *subscriptions) has(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (s *subscriptions) current() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

func (s *subscriptions) setHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *subscriptions) deliver(topic string, payload []byte) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}
