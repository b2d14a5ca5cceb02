// Package station assembles one operating position: the transmit runtime, the
// receive reconstructor, side-channel bleed, the transport subscription
// window, presence and the QSO log. Everything that touches protocol state
// runs on a single sched.Dispatcher.
package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cwlink/internal/config"
	"github.com/ryandielhenn/cwlink/internal/telemetry"
	"github.com/ryandielhenn/cwlink/pkg/audio"
	"github.com/ryandielhenn/cwlink/pkg/classify"
	"github.com/ryandielhenn/cwlink/pkg/keyevent"
	"github.com/ryandielhenn/cwlink/pkg/presence"
	"github.com/ryandielhenn/cwlink/pkg/qso"
	"github.com/ryandielhenn/cwlink/pkg/rx"
	"github.com/ryandielhenn/cwlink/pkg/sched"
	"github.com/ryandielhenn/cwlink/pkg/transport"
	"github.com/ryandielhenn/cwlink/pkg/tx"
)

// SubscribeDebounce delays the subscription change after a retune so that
// stepping through channels does not churn the broker.
const SubscribeDebounce = 250 * time.Millisecond

var ErrChannelRange = errors.New("station: channel out of range")

// Registrar publishes this station's presence record. *presence.Registry
// implements it.
type Registrar interface {
	Register(ctx context.Context, st presence.Station) error
	Update(ctx context.Context, st presence.Station) error
	Deregister(ctx context.Context) error
}

// Deps are the collaborators a Station does not build itself. Only Transport
// is required.
type Deps struct {
	Transport transport.Transport
	Store     qso.Store
	Presence  Registrar
	Sidetone  audio.Device
	Bleed     rx.DeviceFunc
}

type Station struct {
	cfg  config.Config
	disp sched.Dispatcher
	log  *zap.Logger

	tr    transport.Transport
	store qso.Store
	reg   Registrar

	tx    *tx.Runtime
	rx    *rx.Reconstructor
	bleed *rx.BleedRouter
	qso   *qso.Tracker
	send  *sender

	// owned by the dispatch context
	subTimer sched.Handle

	subGen  atomic.Uint64
	subMu   sync.Mutex
	bg      sync.WaitGroup
	started time.Time
}

func New(d sched.Dispatcher, cfg config.Config, deps Deps, log *zap.Logger) (*Station, error) {
	if deps.Transport == nil {
		return nil, errors.New("station: transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Station{
		cfg:     cfg,
		disp:    d,
		log:     log.Named("station"),
		tr:      deps.Transport,
		store:   deps.Store,
		reg:     deps.Presence,
		started: time.Now(),
	}

	sidetone := deps.Sidetone
	if sidetone == nil {
		sidetone = audio.NewVirtual(d, log.Named("sidetone"))
	}
	devices := deps.Bleed
	if devices == nil {
		devices = func(off int) audio.Device {
			return audio.NewVirtual(d, log.Named(fmt.Sprintf("bleed.%d", off)))
		}
	}

	if cfg.QSO.Enabled {
		s.qso = qso.NewTracker(d, time.Duration(cfg.QSO.IdleMS)*time.Millisecond, s.saveQSO)
	}

	var err error
	s.tx, err = tx.New(d, cfg.TxConfig(), sidetone, deps.Transport, log, tx.Observer{
		OnSymbol: func(sym classify.Symbol, press, gap time.Duration) {
			if s.qso != nil {
				s.qso.Symbol(qso.Send, "", sym.String(), press, gap)
			}
		},
		OnLetter: func(r rune) {
			if s.qso != nil {
				s.qso.Letter(qso.Send, "", r)
			}
		},
		OnWord: func() {
			if s.qso != nil {
				s.qso.Word(qso.Send, "")
			}
		},
	})
	if err != nil {
		return nil, err
	}

	s.bleed = rx.NewBleedRouter(d, devices, log)
	s.rx = rx.New(d, cfg.RxConfig(), s.bleed, log, rx.Callbacks{
		OnSymbol: func(key rx.SessionKey, sym classify.Symbol, press, gap time.Duration) {
			if s.qso != nil {
				s.qso.Symbol(qso.Receive, key.Call, sym.String(), press, gap)
			}
		},
		OnLetter: func(key rx.SessionKey, _ string, r rune) {
			if s.qso != nil {
				s.qso.Letter(qso.Receive, key.Call, r)
			}
		},
		OnWord: func(key rx.SessionKey) {
			if s.qso != nil {
				s.qso.Word(qso.Receive, key.Call)
			}
		},
		OnRemoteActivity: func(rx.SessionKey) { s.tx.NoteRemoteActivity() },
	})
	s.send = &sender{st: s}

	deps.Transport.OnMessage(func(_ string, payload []byte) {
		d.Post(func() { s.rx.HandlePayload(payload) })
	})
	return s, nil
}

// Start subscribes to the initial channel window and registers presence.
// The dispatcher must already be running.
func (s *Station) Start(ctx context.Context) error {
	var (
		topics []string
		rec    presence.Station
	)
	if err := s.disp.Do(ctx, func() {
		topics = s.window(s.cfg.Station.Channel)
		rec = s.presenceRecord(s.cfg.Station.Channel)
	}); err != nil {
		return fmt.Errorf("station start: %w", err)
	}
	s.subGen.Add(1)
	if err := s.tr.Subscribe(ctx, topics); err != nil {
		return fmt.Errorf("station subscribe: %w", err)
	}
	s.log.Info("listening",
		zap.String("call", rec.Call),
		zap.Int("channel", rec.Channel),
		zap.Int("topics", len(topics)),
	)
	if s.reg != nil {
		if err := s.reg.Register(ctx, rec); err != nil {
			s.log.Warn("presence registration failed", zap.Error(err))
		}
	}
	return nil
}

// Close stops keying, drains the outbound queue, flushes the QSO log and
// deregisters presence. The transport and the store stay open.
func (s *Station) Close(ctx context.Context) error {
	err := s.disp.Do(ctx, func() {
		s.disp.Cancel(s.subTimer)
		s.send.cancel()
		s.tx.Close()
		s.rx.Close()
		s.bleed.Reset()
		if s.qso != nil {
			s.qso.Flush()
		}
	})
	s.bg.Wait()
	if s.reg != nil {
		if derr := s.reg.Deregister(ctx); derr != nil {
			s.log.Warn("presence deregistration failed", zap.Error(derr))
		}
	}
	return err
}

func (s *Station) window(ch int) []string {
	st := s.cfg.Station
	return keyevent.SubscribeWindow(s.cfg.Transport.TopicPrefix, ch, st.SideRange, st.MinChannel, st.MaxChannel)
}

// presenceRecord must run on the dispatch context.
func (s *Station) presenceRecord(ch int) presence.Station {
	return presence.Station{Call: s.cfg.Station.Call, Channel: ch, Mode: string(s.tx.Config().Mode), Since: s.started.UTC()}
}

// Tune retunes transmit and receive. Must run on the dispatch context.
func (s *Station) Tune(ch int) error {
	st := s.cfg.Station
	if ch < st.MinChannel || ch > st.MaxChannel {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrChannelRange, ch, st.MinChannel, st.MaxChannel)
	}
	if ch == s.cfg.Station.Channel {
		return nil
	}
	s.send.cancel()
	s.tx.StopAll()
	s.tx.SetChannel(ch)
	s.rx.SetChannel(ch)
	s.bleed.Reset()
	s.cfg.Station.Channel = ch
	s.log.Info("tuned", zap.Int("channel", ch))

	s.disp.Cancel(s.subTimer)
	s.subTimer = s.disp.Schedule(SubscribeDebounce, s.applySubscriptions)
	return nil
}

// applySubscriptions pushes the current window to the transport off the
// dispatch context. A newer retune supersedes one still in flight.
func (s *Station) applySubscriptions() {
	s.subTimer = 0
	ch := s.cfg.Station.Channel
	topics := s.window(ch)
	rec := s.presenceRecord(ch)
	gen := s.subGen.Add(1)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if s.subGen.Load() != gen {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.tr.Subscribe(ctx, topics); err != nil {
			s.log.Warn("subscribe failed", zap.Int("channel", ch), zap.Error(err))
			return
		}
		if s.reg != nil {
			if err := s.reg.Update(ctx, rec); err != nil {
				s.log.Warn("presence update failed", zap.Error(err))
			}
		}
	}()
}

func (s *Station) saveQSO(r qso.Record) {
	s.log.Info("qso",
		zap.String("direction", string(r.Direction)),
		zap.String("sender", r.Sender),
		zap.String("text", r.Text),
	)
	if s.store == nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.store.Insert(ctx, r); err != nil {
			s.log.Warn("qso insert failed", zap.Error(err))
		}
	}()
}

// Key routes one hardware key transition: paddle is "dit", "dah" or
// "straight". It reports whether the runtime accepted it.
func (s *Station) Key(paddle string, down bool) (bool, error) {
	switch paddle {
	case "straight":
		if down {
			return s.tx.PressManual(), nil
		}
		return s.tx.ReleaseManual(), nil
	case "dit", "dah":
		dah := paddle == "dah"
		if down {
			return s.tx.Press(dah), nil
		}
		return s.tx.Release(dah), nil
	}
	return false, fmt.Errorf("station: unknown paddle %q", paddle)
}

// Info is a snapshot for the control surface.
type Info struct {
	Call       string           `json:"call"`
	Channel    int              `json:"channel"`
	Mode       string           `json:"mode"`
	Session    string           `json:"session"`
	Locked     bool             `json:"locked"`
	Sending    bool             `json:"sending"`
	QueueLen   int              `json:"queue_len"`
	Sessions   []rx.SessionInfo `json:"sessions"`
	Subscribed []string         `json:"subscribed"`
}

func (s *Station) Info() Info {
	telemetry.QueueDepth.Set(float64(s.tx.QueueLen()))
	return Info{
		Call:       s.cfg.Station.Call,
		Channel:    s.cfg.Station.Channel,
		Mode:       string(s.tx.Config().Mode),
		Session:    s.tx.SessionID(),
		Locked:     s.tx.Locked(),
		Sending:    s.send.active(),
		QueueLen:   s.tx.QueueLen(),
		Sessions:   s.rx.Sessions(),
		Subscribed: s.window(s.cfg.Station.Channel),
	}
}

type Transcripts struct {
	SentText     string `json:"sent_text"`
	SentMorse    string `json:"sent_morse"`
	ReceivedText string `json:"received_text"`
	ReceivedCode string `json:"received_morse"`
	Pending      string `json:"pending"`
}

func (s *Station) Transcripts() Transcripts {
	t, r := s.tx.Transcript(), s.rx.Transcript()
	return Transcripts{
		SentText:     t.Text(),
		SentMorse:    t.Morse(),
		ReceivedText: r.Text(),
		ReceivedCode: r.Morse(),
		Pending:      t.Pending(),
	}
}

// Dispatcher exposes the context every Station method except Start and
// Close must run on.
func (s *Station) Dispatcher() sched.Dispatcher { return s.disp }

func (s *Station) Store() qso.Store { return s.store }
