package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	DefaultMQTTPort    = "1883"
	DefaultMQTTTLSPort = "8883"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string

	TLS         bool
	CAFile      string
	InsecureTLS bool

	ConnectTimeout time.Duration
}

// NormalizeBrokerURL cuts any mqtt://, mqtts://, tcp:// or ssl:// prefix from
// addr, adds a default port and returns a URL paho accepts.
func NormalizeBrokerURL(addr string, useTLS bool) string {
	for _, p := range []string{"mqtts://", "ssl://", "tls://"} {
		if rest, ok := strings.CutPrefix(addr, p); ok {
			addr, useTLS = rest, true
		}
	}
	for _, p := range []string{"mqtt://", "tcp://"} {
		if rest, ok := strings.CutPrefix(addr, p); ok {
			addr = rest
		}
	}
	addr = strings.TrimSuffix(addr, "/")

	scheme, port := "tcp://", DefaultMQTTPort
	if useTLS {
		scheme, port = "ssl://", DefaultMQTTTLSPort
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return scheme + addr
	}
	return scheme + net.JoinHostPort(addr, port)
}

// MQTT publishes at QoS 0 without retain. Subscriptions survive reconnects.
type MQTT struct {
	client mqtt.Client
	log    *zap.Logger
	subs   subscriptions
	closed atomic.Bool
	wait   time.Duration
}

func DialMQTT(ctx context.Context, cfg MQTTConfig, log *zap.Logger) (*MQTT, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	m := &MQTT{log: log.Named("mqtt"), wait: cfg.ConnectTimeout}

	broker := NormalizeBrokerURL(cfg.Broker, cfg.TLS)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(false).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warn("connection lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	if strings.HasPrefix(broker, "ssl://") {
		tc, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tc)
	}

	m.client = mqtt.NewClient(opts)
	if err := m.await(ctx, m.client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	m.log.Info("connected", zap.String("broker", broker), zap.String("client_id", cfg.ClientID))
	return m, nil
}

func tlsConfig(cfg MQTTConfig) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: cfg.InsecureTLS, MinVersion: tls.VersionTLS12}
	if cfg.CAFile == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s: no certificates", cfg.CAFile)
	}
	tc.RootCAs = pool
	return tc, nil
}

// onConnect restores the subscription window after a reconnect.
func (m *MQTT) onConnect(c mqtt.Client) {
	topics := m.subs.current()
	if len(topics) == 0 {
		return
	}
	c.SubscribeMultiple(filters(topics), m.onMessage)
	m.log.Debug("resubscribed", zap.Int("topics", len(topics)))
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.subs.deliver(msg.Topic(), msg.Payload())
}

func filters(topics []string) map[string]byte {
	f := make(map[string]byte, len(topics))
	for _, t := range topics {
		f[t] = 0
	}
	return f
}

// await waits for tok, bounded by ctx and the connect timeout.
func (m *MQTT) await(ctx context.Context, tok mqtt.Token) error {
	timer := time.NewTimer(m.wait)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("mqtt: timed out after %s", m.wait)
	}
}

// Publish does not wait for the broker.
func (m *MQTT) Publish(_ context.Context, topic string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	m.client.Publish(topic, 0, false, payload)
	return nil
}

func (m *MQTT) Subscribe(ctx context.Context, topics []string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	prev := m.subs.current()
	add, drop := m.subs.replace(topics)
	if !m.client.IsConnectionOpen() {
		// onConnect picks up the new set
		return nil
	}
	// On failure the old set goes back so the next Subscribe retries the diff.
	if len(drop) > 0 {
		if err := m.await(ctx, m.client.Unsubscribe(drop...)); err != nil {
			m.subs.restore(prev)
			return fmt.Errorf("mqtt unsubscribe: %w", err)
		}
	}
	if len(add) > 0 {
		if err := m.await(ctx, m.client.SubscribeMultiple(filters(add), m.onMessage)); err != nil {
			m.subs.restore(prev)
			return fmt.Errorf("mqtt subscribe: %w", err)
		}
	}
	m.log.Debug("subscriptions", zap.Strings("add", add), zap.Strings("drop", drop))
	return nil
}

func (m *MQTT) OnMessage(h Handler) { m.subs.setHandler(h) }

func (m *MQTT) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.client.Disconnect(250)
	return nil
}
