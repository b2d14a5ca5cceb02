// Command cwlink-bench keys text between pairs of synthetic stations and
// reports key-event throughput and decode accuracy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/cwlink/internal/config"
	"github.com/ryandielhenn/cwlink/internal/logging"
	"github.com/ryandielhenn/cwlink/pkg/sched"
	"github.com/ryandielhenn/cwlink/pkg/station"
	"github.com/ryandielhenn/cwlink/pkg/transport"
)

// counting tallies traffic through any transport.
type counting struct {
	transport.Transport
	sent, recv *atomic.Int64
}

func (c counting) Publish(ctx context.Context, topic string, payload []byte) error {
	err := c.Transport.Publish(ctx, topic, payload)
	if err == nil {
		c.sent.Add(1)
	}
	return err
}

func (c counting) OnMessage(h transport.Handler) {
	c.Transport.OnMessage(func(topic string, payload []byte) {
		c.recv.Add(1)
		h(topic, payload)
	})
}

type node struct {
	st   *station.Station
	loop *sched.Loop
	tr   transport.Transport
	stop context.CancelFunc
	done chan struct{}
}

func main() {
	pairs := flag.Int("pairs", 4, "sender/receiver pairs, one channel each")
	wpm := flag.Float64("wpm", 25, "keying speed")
	dur := flag.Duration("d", 20*time.Second, "how long to key")
	text := flag.String("text", "CQ CQ DE BENCH K", "text each sender repeats")
	kind := flag.String("transport", "memory", "memory or mqtt")
	broker := flag.String("broker", "localhost:1883", "MQTT broker for -transport mqtt")
	drop := flag.Float64("drop", 0, "memory transport drop probability")
	dup := flag.Float64("dup", 0, "memory transport duplicate probability")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger, err := logging.New(logging.Options{Level: *level, Format: "console"})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	var sent, recv atomic.Int64
	hub := transport.NewHub(transport.Faults{Drop: *drop, Duplicate: *dup, Seed: time.Now().UnixNano()})
	const spacing = 11
	newNode := func(call string, ch int) *node {
		cfg := config.Default()
		cfg.Station.Call = call
		cfg.Station.Channel = ch
		cfg.Station.MaxChannel = 7000 + *pairs*spacing
		cfg.Transport.Kind = *kind
		cfg.Transport.Broker = *broker
		cfg.ApplyWPM(*wpm)
		cfg.QSO.Enabled = false
		cfg.Audio.Send, cfg.Audio.Receive = false, false

		var tr transport.Transport
		if *kind == "mqtt" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			tr, err = transport.DialMQTT(ctx, cfg.MQTT("bench-"+strings.ToLower(call)), logger)
			cancel()
			if err != nil {
				log.Fatal(err)
			}
		} else {
			tr = hub.Connect(call)
		}
		n := &node{loop: sched.NewLoop(logger), tr: tr, done: make(chan struct{})}
		var ctx context.Context
		ctx, n.stop = context.WithCancel(context.Background())
		go func() {
			defer close(n.done)
			_ = n.loop.Run(ctx)
		}()
		n.st, err = station.New(n.loop, cfg, station.Deps{Transport: counting{tr, &sent, &recv}}, logger)
		if err != nil {
			log.Fatal(err)
		}
		if err := n.st.Start(context.Background()); err != nil {
			log.Fatal(err)
		}
		return n
	}

	senders := make([]*node, *pairs)
	receivers := make([]*node, *pairs)
	for i := 0; i < *pairs; i++ {
		ch := 7000 + i*spacing
		senders[i] = newNode("S"+strings.ToUpper(uuid.NewString()[:6]), ch)
		receivers[i] = newNode("R"+strings.ToUpper(uuid.NewString()[:6]), ch)
	}

	wordGap := time.Duration(1200/(*wpm)*7) * time.Millisecond
	deadline := time.Now().Add(*dur)
	var wg sync.WaitGroup
	var repeats atomic.Int64
	start := time.Now()
	for _, n := range senders {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			for time.Now().Before(deadline) {
				var took time.Duration
				var sendErr error
				if err := n.loop.Do(context.Background(), func() { took, sendErr = n.st.SendText(*text) }); err != nil {
					return
				}
				if sendErr != nil {
					logger.Warn("send refused", zap.Error(sendErr))
					time.Sleep(wordGap)
					continue
				}
				repeats.Add(1)
				time.Sleep(took + wordGap)
			}
		}(n)
	}
	wg.Wait()
	time.Sleep(2 * wordGap)
	elapsed := time.Since(start)

	want := strings.Join(strings.Fields(strings.ToUpper(*text)), " ")
	var exact, total int
	for _, n := range receivers {
		var got string
		_ = n.loop.Do(context.Background(), func() { got = n.st.Transcripts().ReceivedText })
		exact += strings.Count(got, want)
	}
	total = int(repeats.Load())

	for _, n := range append(senders, receivers...) {
		_ = n.st.Close(context.Background())
		n.stop()
		<-n.done
		_ = n.tr.Close()
	}

	fmt.Printf("Keyed %d messages across %d pairs in %s\n", total, *pairs, elapsed.Round(time.Millisecond))
	fmt.Printf("Published %d events (%.2f events/s), delivered %d\n",
		sent.Load(), float64(sent.Load())/elapsed.Seconds(), recv.Load())
	if total > 0 {
		fmt.Printf("Decoded %d/%d messages exactly (%.1f%%)\n", exact, total, 100*float64(exact)/float64(total))
	}
	if *kind != "mqtt" {
		s := hub.Stats()
		fmt.Printf("Hub: published=%d delivered=%d dropped=%d duplicated=%d\n", s.Published, s.Delivered, s.Dropped, s.Duplicated)
	}
}
