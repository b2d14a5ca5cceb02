// Package tx binds the keyer, the classifier and the sidetone to the outbound
// key-event stream. Every method must be called from the scheduler's dispatch
// context.
package tx

import (
	"context"
	"time"

	"github.com/ryandielhenn/cwlink/pkg/classify"
	"github.com/ryandielhenn/cwlink/pkg/keyer"
	"github.com/ryandielhenn/cwlink/pkg/keyevent"
)

// Publisher is the outbound half of a transport. Publish must not block the
// dispatch context for long; transports buffer internally.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Config struct {
	Call      string
	Channel   int
	Mode      keyer.Mode
	Timing    keyevent.Hints
	LockTail  time.Duration
	SendAudio bool

	// DitKey and DahKey are the logical key identifiers. In straight mode the
	// dit key is the straight key.
	DitKey, DahKey string

	Classifier  classify.Config
	TopicPrefix string

	FlushInterval time.Duration
	FlushBatch    int
	QueueCap      int
}

func DefaultConfig() Config {
	return Config{
		Mode:          keyer.Straight,
		Timing:        keyevent.Hints{DotMS: 100, DashMS: 300, LetterGapMS: 300, WordGapMS: 700},
		LockTail:      800 * time.Millisecond,
		SendAudio:     true,
		DitKey:        "Q",
		DahKey:        "W",
		Classifier:    classify.DefaultConfig(),
		TopicPrefix:   keyevent.DefaultTopicPrefix,
		FlushInterval: 10 * time.Millisecond,
		FlushBatch:    40,
		QueueCap:      2000,
	}
}

const (
	minLockTail   = 100 * time.Millisecond
	minWordTail   = 50 * time.Millisecond
	maxPressSpace = 10 * time.Second // longer idle gaps are reported as 0
)

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.Timing == (keyevent.Hints{}) {
		c.Timing = def.Timing
	}
	c.Timing = c.Timing.Clamp()
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = def.FlushBatch
	}
	if c.QueueCap <= 0 {
		c.QueueCap = def.QueueCap
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = def.TopicPrefix
	}
	if c.Classifier == (classify.Config{}) {
		c.Classifier = def.Classifier
	}
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
