package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileConfig represents the TOML configuration file. Absent keys stay nil
// and leave the default in place.
type FileConfig struct {
	Station   StationFile   `toml:"station"`
	Timing    TimingFile    `toml:"timing"`
	Keys      KeysFile      `toml:"keys"`
	Classify  ClassifyFile  `toml:"classify"`
	Transport TransportFile `toml:"transport"`
	Presence  PresenceFile  `toml:"presence"`
	Audio     AudioFile     `toml:"audio"`
	HTTP      HTTPFile      `toml:"http"`
	Log       LogFile       `toml:"log"`
	QSO       QSOFile       `toml:"qso"`
}

type StationFile struct {
	Call       *string `toml:"call"`
	Channel    *int    `toml:"channel"`
	MinChannel *int    `toml:"min-channel"`
	MaxChannel *int    `toml:"max-channel"`
	SideRange  *int    `toml:"side-range"`
	Mode       *string `toml:"mode"`
}

type TimingFile struct {
	WPM         *float64 `toml:"wpm"`
	DotMS       *int64   `toml:"dot-ms"`
	DashMS      *int64   `toml:"dash-ms"`
	LetterGapMS *int64   `toml:"letter-gap-ms"`
	WordGapMS   *int64   `toml:"word-gap-ms"`
	LockTailMS  *int64   `toml:"lock-tail-ms"`
}

type KeysFile struct {
	Dit *string `toml:"dit"`
	Dah *string `toml:"dah"`
}

type ClassifyFile struct {
	LearningWindow *int     `toml:"learning-window"`
	Sensitivity    *float64 `toml:"sensitivity"`
	DashRatio      *float64 `toml:"dash-ratio"`
}

type TransportFile struct {
	Kind        *string  `toml:"kind"`
	TopicPrefix *string  `toml:"topic-prefix"`
	Broker      *string  `toml:"broker"`
	Username    *string  `toml:"username"`
	Password    *string  `toml:"password"`
	TLS         *bool    `toml:"tls"`
	CAFile      *string  `toml:"ca-file"`
	InsecureTLS *bool    `toml:"insecure-tls"`
	Etcd        []string `toml:"etcd-endpoints"`
}

type PresenceFile struct {
	Enabled   *bool    `toml:"enabled"`
	Endpoints []string `toml:"endpoints"`
	TTL       *int64   `toml:"ttl"`
}

type AudioFile struct {
	Send    *bool `toml:"send"`
	Receive *bool `toml:"receive"`
}

type HTTPFile struct {
	Addr *string `toml:"addr"`
}

type LogFile struct {
	Level  *string `toml:"level"`
	Format *string `toml:"format"`
}

type QSOFile struct {
	Enabled *bool   `toml:"enabled"`
	Path    *string `toml:"path"`
	IdleMS  *int64  `toml:"idle-ms"`
}

// LoadFile reads a TOML config from the given path. Missing file is not an error.
func LoadFile(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil
		}
		return FileConfig{}, fmt.Errorf("failed to stat config: %w", err)
	}
	var fc FileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return FileConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return FileConfig{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	return fc, nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Apply merges the file over c.
func (fc FileConfig) Apply(c *Config) {
	st := fc.Station
	set(&c.Station.Call, st.Call)
	set(&c.Station.Channel, st.Channel)
	set(&c.Station.MinChannel, st.MinChannel)
	set(&c.Station.MaxChannel, st.MaxChannel)
	set(&c.Station.SideRange, st.SideRange)
	set(&c.Station.Mode, st.Mode)

	tm := fc.Timing
	if tm.WPM != nil && *tm.WPM > 0 {
		c.ApplyWPM(*tm.WPM)
	}
	set(&c.Timing.DotMS, tm.DotMS)
	set(&c.Timing.DashMS, tm.DashMS)
	set(&c.Timing.LetterGapMS, tm.LetterGapMS)
	set(&c.Timing.WordGapMS, tm.WordGapMS)
	set(&c.Timing.LockTailMS, tm.LockTailMS)

	set(&c.Keys.Dit, fc.Keys.Dit)
	set(&c.Keys.Dah, fc.Keys.Dah)

	set(&c.Classify.LearningWindow, fc.Classify.LearningWindow)
	set(&c.Classify.Sensitivity, fc.Classify.Sensitivity)
	set(&c.Classify.DashRatio, fc.Classify.DashRatio)

	tr := fc.Transport
	set(&c.Transport.Kind, tr.Kind)
	set(&c.Transport.TopicPrefix, tr.TopicPrefix)
	set(&c.Transport.Broker, tr.Broker)
	set(&c.Transport.Username, tr.Username)
	set(&c.Transport.Password, tr.Password)
	set(&c.Transport.TLS, tr.TLS)
	set(&c.Transport.CAFile, tr.CAFile)
	set(&c.Transport.InsecureTLS, tr.InsecureTLS)
	if len(tr.Etcd) > 0 {
		c.Transport.Etcd = tr.Etcd
	}

	set(&c.Presence.Enabled, fc.Presence.Enabled)
	set(&c.Presence.TTL, fc.Presence.TTL)
	if len(fc.Presence.Endpoints) > 0 {
		c.Presence.Endpoints = fc.Presence.Endpoints
	}

	set(&c.Audio.Send, fc.Audio.Send)
	set(&c.Audio.Receive, fc.Audio.Receive)
	set(&c.HTTP.Addr, fc.HTTP.Addr)
	set(&c.Log.Level, fc.Log.Level)
	set(&c.Log.Format, fc.Log.Format)
	set(&c.QSO.Enabled, fc.QSO.Enabled)
	set(&c.QSO.Path, fc.QSO.Path)
	set(&c.QSO.IdleMS, fc.QSO.IdleMS)
}

// ApplyWPM derives PARIS timing from words per minute.
func (c *Config) ApplyWPM(wpm float64) {
	dot := int64(1200/wpm + 0.5)
	c.Timing.DotMS = dot
	c.Timing.DashMS = 3 * dot
	c.Timing.LetterGapMS = 3 * dot
	c.Timing.WordGapMS = 7 * dot
	c.Classify.InitialWPM = wpm
}

// ApplyEnv overrides c from CWLINK_* variables. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, name, v)
		}
		*dst = n
		return nil
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok && v != "" {
			var out []string
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	str("CWLINK_CALL", &c.Station.Call)
	if err := num("CWLINK_CHANNEL", &c.Station.Channel); err != nil {
		return err
	}
	str("CWLINK_MODE", &c.Station.Mode)
	if v, ok := lookup("CWLINK_WPM"); ok && v != "" {
		wpm, err := strconv.ParseFloat(v, 64)
		if err != nil || wpm <= 0 {
			return fmt.Errorf("%w: CWLINK_WPM=%q", ErrInvalid, v)
		}
		c.ApplyWPM(wpm)
	}
	str("CWLINK_TRANSPORT", &c.Transport.Kind)
	str("CWLINK_BROKER", &c.Transport.Broker)
	str("CWLINK_USERNAME", &c.Transport.Username)
	str("CWLINK_PASSWORD", &c.Transport.Password)
	list("CWLINK_ETCD_ENDPOINTS", &c.Transport.Etcd)
	str("CWLINK_HTTP_ADDR", &c.HTTP.Addr)
	str("CWLINK_LOG_LEVEL", &c.Log.Level)
	str("CWLINK_LOG_FORMAT", &c.Log.Format)
	str("CWLINK_QSO_PATH", &c.QSO.Path)
	return nil
}

// Load resolves defaults, then the file at path, then the environment.
// Callers apply flag overrides and then Validate.
func Load(path string) (Config, error) {
	c := Default()
	fc, err := LoadFile(path)
	if err != nil {
		return Config{}, err
	}
	fc.Apply(&c)
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return c, nil
}
