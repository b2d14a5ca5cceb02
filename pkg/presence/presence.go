// Package presence advertises which station is listening on which channel.
// Each station holds a lease-scoped key under /cwlink/stations/<CALL>; the key
// disappears when the process stops renewing the lease.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/cwlink/stations/"

type Station struct {
	Call    string    `json:"call"`
	Channel int       `json:"channel"`
	Mode    string    `json:"mode,omitempty"`
	Since   time.Time `json:"since"`
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Registry keeps one station registered while the process runs.
type Registry struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64
	log    *zap.Logger

	mu      sync.Mutex
	lease   clientv3.LeaseID
	stopKA  context.CancelFunc
	current Station
}

func NewRegistry(cli *clientv3.Client, prefix string, ttl int64, log *zap.Logger) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{cli: cli, prefix: prefix, ttl: ttl, log: log.Named("presence")}
}

func (r *Registry) key(call string) string {
	return r.prefix + strings.ToUpper(call)
}

// Register grants a lease, writes the station and keeps the lease alive
// until Deregister.
func (r *Registry) Register(ctx context.Context, st Station) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease != 0 {
		return r.putLocked(ctx, st)
	}
	lease, err := r.cli.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("presence grant: %w", err)
	}
	r.lease = lease.ID
	if err := r.putLocked(ctx, st); err != nil {
		return err
	}

	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		return fmt.Errorf("presence keepalive: %w", err)
	}
	r.stopKA = stop
	go func() {
		for range ch {
		}
		r.log.Debug("keepalive ended", zap.String("call", st.Call))
	}()
	r.log.Info("registered", zap.String("call", st.Call), zap.Int("channel", st.Channel))
	return nil
}

// Update rewrites the station under the existing lease, e.g. after a retune.
func (r *Registry) Update(ctx context.Context, st Station) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease == 0 {
		return fmt.Errorf("presence: %s not registered", st.Call)
	}
	return r.putLocked(ctx, st)
}

func (r *Registry) putLocked(ctx context.Context, st Station) error {
	st.Call = strings.ToUpper(st.Call)
	if st.Since.IsZero() {
		st.Since = time.Now().UTC()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if _, err := r.cli.Put(ctx, r.key(st.Call), string(data), clientv3.WithLease(r.lease)); err != nil {
		return fmt.Errorf("presence put: %w", err)
	}
	r.current = st
	return nil
}

// Deregister stops the keep-alive and revokes the lease, deleting the key.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease == 0 {
		return nil
	}
	r.stopKA()
	_, err := r.cli.Revoke(ctx, r.lease)
	r.lease, r.stopKA = 0, nil
	return err
}

// List returns the registered stations sorted by call sign.
func List(ctx context.Context, cli *clientv3.Client, prefix string) ([]Station, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	stations := make(map[string]Station, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if st, ok := parse(prefix, kv.Key, kv.Value); ok {
			stations[st.Call] = st
		}
	}
	return sorted(stations), nil
}

// Watch calls fn with the full station list on every change until ctx ends.
func Watch(ctx context.Context, cli *clientv3.Client, prefix string, fn func([]Station)) error {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("presence watch: %w", err)
	}
	stations := make(map[string]Station, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if st, ok := parse(prefix, kv.Key, kv.Value); ok {
			stations[st.Call] = st
		}
	}
	fn(sorted(stations))

	wch := cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		for wr := range wch {
			for _, ev := range wr.Events {
				call := strings.TrimPrefix(string(ev.Kv.Key), prefix)
				if ev.Type == clientv3.EventTypeDelete {
					delete(stations, call)
					continue
				}
				if st, ok := parse(prefix, ev.Kv.Key, ev.Kv.Value); ok {
					stations[st.Call] = st
				}
			}
			fn(sorted(stations))
		}
	}()
	return nil
}

// parse accepts both JSON values and a bare channel number.
func parse(prefix string, key, value []byte) (Station, bool) {
	call := strings.TrimPrefix(string(key), prefix)
	if call == "" || call == string(key) {
		return Station{}, false
	}
	var st Station
	if err := json.Unmarshal(value, &st); err != nil {
		var ch int
		if _, err := fmt.Sscanf(string(value), "%d", &ch); err != nil {
			return Station{}, false
		}
		st = Station{Channel: ch}
	}
	st.Call = call
	return st, true
}

func sorted(m map[string]Station) []Station {
	out := make([]Station, 0, len(m))
	for _, st := range m {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Call < out[j].Call })
	return out
}
