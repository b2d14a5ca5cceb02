package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultEtcdRoot = "/cwlink"

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Root prefixes every key. Messages live under Root/<topic>/<writer>/<seq>.
	Root string
	// TTL bounds how long a published message stays in the keyspace.
	TTL time.Duration
	// Buffer is the outbound queue length before Publish reports backpressure.
	Buffer int
}

func (c *EtcdConfig) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Root == "" {
		c.Root = DefaultEtcdRoot
	}
	c.Root = strings.TrimSuffix(c.Root, "/")
	if c.TTL < 2*time.Second {
		c.TTL = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
}

type put struct {
	key     string
	payload []byte
}

// Etcd publishes each key event as a lease-scoped key and subscribes with one
// prefix watch per topic. Publish only enqueues; a writer goroutine does the
// Put so the dispatch context never waits on the cluster.
type Etcd struct {
	cli  *clientv3.Client
	owns bool
	cfg  EtcdConfig
	log  *zap.Logger
	id   string
	seq  atomic.Uint64
	out  chan put
	subs subscriptions

	mu      sync.Mutex
	watches map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// DialEtcd connects to cfg.Endpoints. The client is closed with the transport.
func DialEtcd(cfg EtcdConfig, log *zap.Logger) (*Etcd, error) {
	cfg.defaults()
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	e := NewEtcd(cli, cfg, log)
	e.owns = true
	return e, nil
}

// NewEtcd wraps an existing client, e.g. one shared with presence.
func NewEtcd(cli *clientv3.Client, cfg EtcdConfig, log *zap.Logger) *Etcd {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Etcd{
		cli:     cli,
		cfg:     cfg,
		log:     log.Named("etcd"),
		id:      strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		out:     make(chan put, cfg.Buffer),
		watches: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.wg.Add(1)
	go e.writer()
	return e
}

func (e *Etcd) prefix(topic string) string {
	return e.cfg.Root + "/" + strings.Trim(topic, "/") + "/"
}

func (e *Etcd) Publish(_ context.Context, topic string, payload []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	key := fmt.Sprintf("%s%s/%020d", e.prefix(topic), e.id, e.seq.Add(1))
	select {
	case e.out <- put{key: key, payload: append([]byte(nil), payload...)}:
		return nil
	default:
		return ErrBackpressure
	}
}

// writer rotates its lease every TTL/2 so no key outlives TTL by much.
func (e *Etcd) writer() {
	defer e.wg.Done()
	var (
		lease   clientv3.LeaseID
		granted time.Time
	)
	ttl := int64(e.cfg.TTL / time.Second)
	for {
		var p put
		select {
		case <-e.ctx.Done():
			return
		case p = <-e.out:
		}
		if lease == 0 || time.Since(granted) > e.cfg.TTL/2 {
			resp, err := e.cli.Grant(e.ctx, ttl)
			if err != nil {
				e.log.Warn("lease grant failed, dropping event", zap.Error(err))
				continue
			}
			lease, granted = resp.ID, time.Now()
		}
		ctx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
		_, err := e.cli.Put(ctx, p.key, string(p.payload), clientv3.WithLease(lease))
		cancel()
		if err != nil {
			e.log.Warn("put failed", zap.String("key", p.key), zap.Error(err))
		}
	}
}

func (e *Etcd) Subscribe(_ context.Context, topics []string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	add, drop := e.subs.replace(topics)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range drop {
		if stop, ok := e.watches[t]; ok {
			stop()
			delete(e.watches, t)
		}
	}
	for _, t := range add {
		e.watch(t)
	}
	return nil
}

// watch must be called with e.mu held.
func (e *Etcd) watch(topic string) {
	ctx, stop := context.WithCancel(e.ctx)
	e.watches[topic] = stop
	prefix := e.prefix(topic)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for resp := range e.cli.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix()) {
			if err := resp.Err(); err != nil {
				e.log.Warn("watch error", zap.String("topic", topic), zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				e.subs.deliver(topic, ev.Kv.Value)
			}
		}
	}()
}

func (e *Etcd) OnMessage(h Handler) { e.subs.setHandler(h) }

func (e *Etcd) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	if e.owns {
		return e.cli.Close()
	}
	return nil
}
