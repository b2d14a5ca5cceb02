package transport

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type doneToken struct {
	done chan struct{}
	err  error
}

func newToken(err error) *doneToken {
	t := &doneToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

// brokerClient answers subscribe and unsubscribe with canned results.
type brokerClient struct {
	mqtt.Client
	subErr, unsubErr error
	subscribed       [][]string
	unsubscribed     [][]string
}

func (c *brokerClient) IsConnectionOpen() bool { return true }

func (c *brokerClient) SubscribeMultiple(f map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	topics := make([]string, 0, len(f))
	for t := range f {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	c.subscribed = append(c.subscribed, topics)
	return newToken(c.subErr)
}

func (c *brokerClient) Unsubscribe(topics ...string) mqtt.Token {
	c.unsubscribed = append(c.unsubscribed, topics)
	return newToken(c.unsubErr)
}

func TestMQTTSubscribeRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	c := &brokerClient{}
	m := &MQTT{client: c, log: zap.NewNop(), wait: time.Second}

	require.NoError(t, m.Subscribe(ctx, []string{"ch/1", "ch/2"}))
	assert.Equal(t, []string{"ch/1", "ch/2"}, m.subs.current())

	c.subErr = errors.New("not authorized")
	require.Error(t, m.Subscribe(ctx, []string{"ch/2", "ch/3"}))
	assert.Equal(t, []string{"ch/1", "ch/2"}, m.subs.current())

	c.subErr = nil
	c.unsubErr = errors.New("timeout")
	require.Error(t, m.Subscribe(ctx, []string{"ch/2", "ch/3"}))
	assert.Equal(t, []string{"ch/1", "ch/2"}, m.subs.current())

	c.unsubErr = nil
	require.NoError(t, m.Subscribe(ctx, []string{"ch/2", "ch/3"}))
	assert.Equal(t, []string{"ch/2", "ch/3"}, m.subs.current())
	assert.Equal(t, [][]string{{"ch/1", "ch/2"}, {"ch/3"}, {"ch/3"}}, c.subscribed)
	assert.Equal(t, [][]string{{"ch/1"}, {"ch/1"}, {"ch/1"}}, c.unsubscribed)
}
