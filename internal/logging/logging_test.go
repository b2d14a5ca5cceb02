package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	cases := []struct {
		opts    Options
		wantErr bool
		enabled zapcore.Level
	}{
		{Options{Level: "info"}, false, zapcore.InfoLevel},
		{Options{Level: "DEBUG", Format: "json"}, false, zapcore.DebugLevel},
		{Options{Level: "warn", Format: "console", Fields: map[string]string{"call": "K1ABC"}}, false, zapcore.WarnLevel},
		{Options{Level: "loud"}, true, 0},
		{Options{Level: "info", Format: "xml"}, true, 0},
	}
	for _, c := range cases {
		log, err := New(c.opts)
		if (err != nil) != c.wantErr {
			t.Fatalf("New(%+v) err = %v, wantErr %v", c.opts, err, c.wantErr)
		}
		if err != nil {
			continue
		}
		if !log.Core().Enabled(c.enabled) {
			t.Fatalf("New(%+v): level %v not enabled", c.opts, c.enabled)
		}
		if c.enabled > zapcore.DebugLevel && log.Core().Enabled(c.enabled-1) {
			t.Fatalf("New(%+v): level %v should be disabled", c.opts, c.enabled-1)
		}
	}
}
