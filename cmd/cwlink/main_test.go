package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"24h", now.Add(-24 * time.Hour)},
		{"90m", now.Add(-90 * time.Minute)},
		{"7d", now.AddDate(0, 0, -7)},
		{"2025-03-01", time.Date(2025, 3, 1, 0, 0, 0, 0, time.Local)},
	}
	for _, tc := range cases {
		got, err := parseSince(tc.in, now)
		require.NoError(t, err, tc.in)
		if !got.Equal(tc.want) {
			t.Fatalf("parseSince(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	_, err := parseSince("last week", now)
	require.Error(t, err)
}

func TestFlagsOverrideFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[station]\ncall = \"K1ABC\"\nchannel = 7001\n"), 0o644))
	t.Setenv("CWLINK_CHANNEL", "7002")
	t.Setenv("CWLINK_BROKER", "broker.example:1883")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--channel", "7003", "--wpm", "20", "--no-qso"}))
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "K1ABC", cfg.Station.Call)
	assert.Equal(t, 7003, cfg.Station.Channel)
	assert.Equal(t, "broker.example:1883", cfg.Transport.Broker)
	assert.Equal(t, int64(60), cfg.Timing.DotMS)
	assert.False(t, cfg.QSO.Enabled)
}

func TestConfigCommandWritesTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cwlink", "config.toml")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.FileExists(t, path)
	assert.Contains(t, out.String(), path)

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"config", "--config", path})
	require.Error(t, cmd.Execute())
}
