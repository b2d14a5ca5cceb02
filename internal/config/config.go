// Package config resolves station settings from defaults, a TOML file and
// CWLINK_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ryandielhenn/cwlink/pkg/classify"
	"github.com/ryandielhenn/cwlink/pkg/keyer"
	"github.com/ryandielhenn/cwlink/pkg/keyevent"
	"github.com/ryandielhenn/cwlink/pkg/qso"
	"github.com/ryandielhenn/cwlink/pkg/rx"
	"github.com/ryandielhenn/cwlink/pkg/transport"
	"github.com/ryandielhenn/cwlink/pkg/tx"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Station   Station
	Timing    Timing
	Keys      Keys
	Classify  classify.Config
	Transport Transport
	Presence  Presence
	Audio     Audio
	HTTP      HTTP
	Log       Log
	QSO       QSO
}

type Station struct {
	Call       string `validate:"required,min=3,max=16,printascii,excludesall=#+"`
	Channel    int    `validate:"gtefield=MinChannel,ltefield=MaxChannel"`
	MinChannel int    `validate:"gte=0"`
	MaxChannel int    `validate:"gtefield=MinChannel"`
	SideRange  int    `validate:"gte=0,lte=50"`
	Mode       string `validate:"oneof=straight single_paddle iambic_a iambic_b"`
}

type Timing struct {
	DotMS       int64 `validate:"gte=20,lte=2000"`
	DashMS      int64 `validate:"gtfield=DotMS"`
	LetterGapMS int64 `validate:"gtefield=DotMS"`
	WordGapMS   int64 `validate:"gtfield=LetterGapMS"`
	LockTailMS  int64 `validate:"gte=0,lte=10000"`
}

type Keys struct {
	Dit string `validate:"required"`
	Dah string `validate:"required,nefield=Dit"`
}

type Transport struct {
	Kind        string `validate:"oneof=memory mqtt etcd"`
	TopicPrefix string `validate:"required"`
	Broker      string `validate:"required_if=Kind mqtt"`
	Username    string
	Password    string
	TLS         bool
	CAFile      string
	InsecureTLS bool
	Etcd        []string `validate:"required_if=Kind etcd"`
}

type Presence struct {
	Enabled   bool
	Endpoints []string `validate:"required_if=Enabled true"`
	TTL       int64    `validate:"gte=0"`
}

type Audio struct {
	Send    bool
	Receive bool
}

type HTTP struct {
	Addr string `validate:"required"`
}

type Log struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=console json"`
}

type QSO struct {
	Enabled bool
	Path    string `validate:"required_if=Enabled true"`
	IdleMS  int64  `validate:"gte=0"`
}

func Default() Config {
	return Config{
		Station: Station{
			Channel:    7000,
			MinChannel: 7000,
			MaxChannel: 7300,
			SideRange:  5,
			Mode:       string(keyer.Straight),
		},
		Timing: Timing{
			DotMS:       100,
			DashMS:      300,
			LetterGapMS: 300,
			WordGapMS:   700,
			LockTailMS:  800,
		},
		Keys:      Keys{Dit: "Q", Dah: "W"},
		Classify:  classify.DefaultConfig(),
		Transport: Transport{Kind: "mqtt", TopicPrefix: keyevent.DefaultTopicPrefix, Broker: "localhost"},
		Presence:  Presence{TTL: 10},
		Audio:     Audio{Send: true, Receive: true},
		HTTP:      HTTP{Addr: ":8080"},
		Log:       Log{Level: "info", Format: "console"},
		QSO:       QSO{Enabled: true, Path: DefaultQSOPath(), IdleMS: qso.DefaultIdle.Milliseconds()},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate normalizes case-insensitive fields and checks every constraint.
func (c *Config) Validate() error {
	c.Station.Call = strings.ToUpper(strings.TrimSpace(c.Station.Call))
	c.Station.Mode = strings.ToLower(strings.TrimSpace(c.Station.Mode))
	if m, err := keyer.ParseMode(c.Station.Mode); err == nil {
		c.Station.Mode = string(m)
	}
	c.Transport.Kind = strings.ToLower(c.Transport.Kind)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Keys.Dit = strings.ToUpper(c.Keys.Dit)
	c.Keys.Dah = strings.ToUpper(c.Keys.Dah)
	if c.Presence.Enabled && len(c.Presence.Endpoints) == 0 {
		c.Presence.Endpoints = c.Transport.Etcd
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c Config) Hints() keyevent.Hints {
	return keyevent.Hints{
		DotMS:       c.Timing.DotMS,
		DashMS:      c.Timing.DashMS,
		LetterGapMS: c.Timing.LetterGapMS,
		WordGapMS:   c.Timing.WordGapMS,
	}.Clamp()
}

func (c Config) Mode() keyer.Mode {
	m, _ := keyer.ParseMode(c.Station.Mode)
	return m
}

// TxConfig maps the resolved settings onto the transmit runtime.
func (c Config) TxConfig() tx.Config {
	tc := tx.DefaultConfig()
	tc.Call = c.Station.Call
	tc.Channel = c.Station.Channel
	tc.Mode = c.Mode()
	tc.Timing = c.Hints()
	tc.LockTail = time.Duration(c.Timing.LockTailMS) * time.Millisecond
	tc.SendAudio = c.Audio.Send
	tc.DitKey, tc.DahKey = c.Keys.Dit, c.Keys.Dah
	tc.Classifier = c.Classify
	tc.TopicPrefix = c.Transport.TopicPrefix
	return tc
}

// RxConfig maps the resolved settings onto the receive reconstructor.
func (c Config) RxConfig() rx.Config {
	rc := rx.DefaultConfig()
	rc.MyCall = c.Station.Call
	rc.Channel = c.Station.Channel
	rc.SideRange = c.Station.SideRange
	rc.Defaults = c.Hints()
	rc.ReceiveAudio = c.Audio.Receive
	rc.Classifier = c.Classify
	return rc
}

func (c Config) MQTT(clientID string) transport.MQTTConfig {
	return transport.MQTTConfig{
		Broker:      c.Transport.Broker,
		ClientID:    clientID,
		Username:    c.Transport.Username,
		Password:    c.Transport.Password,
		TLS:         c.Transport.TLS,
		CAFile:      c.Transport.CAFile,
		InsecureTLS: c.Transport.InsecureTLS,
	}
}
