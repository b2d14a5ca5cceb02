package transport

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct{ got []string }

func (b *inbox) handle(topic string, payload []byte) {
	b.got = append(b.got, topic+"="+string(payload))
}

func connect(t *testing.T, h *Hub, name string, topics ...string) (*Memory, *inbox) {
	t.Helper()
	m := h.Connect(name)
	b := &inbox{}
	m.OnMessage(b.handle)
	require.NoError(t, m.Subscribe(context.Background(), topics))
	return m, b
}

func TestMemoryDeliversToSubscribers(t *testing.T) {
	ctx := context.Background()
	h := NewHub(Faults{})
	a, aIn := connect(t, h, "a", "ch/7000")
	_, bIn := connect(t, h, "b", "ch/7000", "ch/7001")
	_, cIn := connect(t, h, "c", "ch/7002")

	require.NoError(t, a.Publish(ctx, "ch/7000", []byte("x")))
	require.NoError(t, a.Publish(ctx, "ch/7001", []byte("y")))

	assert.Equal(t, []string{"ch/7000=x"}, aIn.got, "publisher sees its own topic")
	assert.Equal(t, []string{"ch/7000=x", "ch/7001=y"}, bIn.got)
	assert.Empty(t, cIn.got)
	assert.Equal(t, Stats{Published: 2, Delivered: 3}, h.Stats())
}

func TestMemorySubscribeReplacesSet(t *testing.T) {
	ctx := context.Background()
	h := NewHub(Faults{})
	pub := h.Connect("pub")
	m, in := connect(t, h, "m", "ch/1", "ch/2")

	require.NoError(t, m.Subscribe(ctx, []string{"ch/2", "ch/3"}))
	assert.Equal(t, []string{"ch/2", "ch/3"}, m.Topics())

	for _, topic := range []string{"ch/1", "ch/2", "ch/3"} {
		require.NoError(t, pub.Publish(ctx, topic, []byte("p")))
	}
	assert.Equal(t, []string{"ch/2=p", "ch/3=p"}, in.got)
}

func TestMemoryFaults(t *testing.T) {
	ctx := context.Background()

	t.Run("drop", func(t *testing.T) {
		h := NewHub(Faults{Drop: 1})
		m, in := connect(t, h, "m", "t")
		require.NoError(t, m.Publish(ctx, "t", []byte("1")))
		assert.Empty(t, in.got)
		assert.Equal(t, 1, h.Stats().Dropped)
	})

	t.Run("duplicate", func(t *testing.T) {
		h := NewHub(Faults{Duplicate: 1})
		m, in := connect(t, h, "m", "t")
		require.NoError(t, m.Publish(ctx, "t", []byte("1")))
		assert.Equal(t, []string{"t=1", "t=1"}, in.got)
	})

	t.Run("reorder", func(t *testing.T) {
		h := NewHub(Faults{Reorder: 1})
		m, in := connect(t, h, "m", "t")
		require.NoError(t, m.Publish(ctx, "t", []byte("1")))
		require.NoError(t, m.Publish(ctx, "t", []byte("2")))
		assert.Empty(t, in.got)
		h.Flush()
		assert.Equal(t, []string{"t=1", "t=2"}, in.got)
	})

	t.Run("held message follows the next delivery", func(t *testing.T) {
		h := NewHub(Faults{Reorder: 0.5, Seed: 3})
		m, in := connect(t, h, "m", "t")
		for i := 0; i < 50; i++ {
			require.NoError(t, m.Publish(ctx, "t", []byte(fmt.Sprint(i))))
		}
		h.Flush()
		assert.Len(t, in.got, 50)
		assert.Positive(t, h.Stats().Reordered)
	})
}

func TestMemoryFaultsAreReproducible(t *testing.T) {
	run := func() []string {
		h := NewHub(Faults{Drop: 0.3, Duplicate: 0.2, Reorder: 0.2, Seed: 42})
		m, in := connect(t, h, "m", "t")
		for i := 0; i < 100; i++ {
			_ = m.Publish(context.Background(), "t", []byte(fmt.Sprint(i)))
		}
		h.Flush()
		return in.got
	}
	assert.Equal(t, run(), run())
}

func TestMemoryClosed(t *testing.T) {
	h := NewHub(Faults{})
	m, _ := connect(t, h, "m", "t")
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Publish(context.Background(), "t", nil), ErrClosed)
	assert.ErrorIs(t, m.Subscribe(context.Background(), nil), ErrClosed)
}

func TestNormalizeBrokerURL(t *testing.T) {
	cases := []struct {
		in   string
		tls  bool
		want string
	}{
		{"broker.example.org", false, "tcp://broker.example.org:1883"},
		{"broker.example.org", true, "ssl://broker.example.org:8883"},
		{"mqtt://localhost:1884", false, "tcp://localhost:1884"},
		{"mqtts://localhost", false, "ssl://localhost:8883"},
		{"tcp://10.0.0.1:1883/", false, "tcp://10.0.0.1:1883"},
		{"::1", false, "tcp://[::1]:1883"},
	}
	for _, c := range cases {
		if got := NormalizeBrokerURL(c.in, c.tls); got != c.want {
			t.Fatalf("NormalizeBrokerURL(%q, %v) = %q, want %q", c.in, c.tls, got, c.want)
		}
	}
}
