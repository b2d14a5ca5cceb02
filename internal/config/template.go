package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrExists is returned by WriteTemplate when the file is already present.
var ErrExists = errors.New("config: file exists")

const template = `# cwlink station configuration.
# Every key is optional; the value shown is the default.
# CWLINK_CALL, CWLINK_CHANNEL, CWLINK_BROKER and friends override this file.

[station]
# call = "N0CALL"
channel = 7000
min-channel = 7000
max-channel = 7300
# other channels within this distance bleed through faintly
side-range = 5
# straight, single_paddle, iambic_a or iambic_b
mode = "straight"

[timing]
# wpm = 12  # derives the four lengths below
dot-ms = 100
dash-ms = 300
letter-gap-ms = 300
word-gap-ms = 700
# local keying stays locked this long after remote activity
lock-tail-ms = 800

[keys]
dit = "Q"
dah = "W"

[classify]
learning-window = 100
sensitivity = 0.4
dash-ratio = 3.0

[transport]
# memory, mqtt or etcd
kind = "mqtt"
topic-prefix = "morselink/v2/keyevent"
broker = "localhost"
# username = ""
# password = ""
tls = false
# ca-file = ""
# etcd-endpoints = ["http://localhost:2379"]

[presence]
enabled = false
# endpoints = ["http://localhost:2379"]
ttl = 10

[audio]
send = true
receive = true

[http]
addr = ":8080"

[log]
# debug, info, warn or error
level = "info"
# console or json
format = "console"

[qso]
enabled = true
# path = "~/.local/share/cwlink/qso.db"
idle-ms = 3000
`

// Template returns the commented default configuration.
func Template() string { return template }

// WriteTemplate writes the default configuration to path. An existing file is
// only replaced when force is set.
func WriteTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(template), 0o644)
}
