package keyer

import (
	"fmt"
	"strings"
)

// Mode is the keying discipline. It is fixed for a session.
type Mode string

const (
	Straight     Mode = "straight"
	SinglePaddle Mode = "single_paddle"
	IambicA      Mode = "iambic_a"
	IambicB      Mode = "iambic_b"
)

// ParseMode accepts the canonical names plus "single".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "straight":
		return Straight, nil
	case "single", "single_paddle":
		return SinglePaddle, nil
	case "iambic_a":
		return IambicA, nil
	case "iambic_b":
		return IambicB, nil
	}
	return Straight, fmt.Errorf("keyer: unknown mode %q", s)
}

func (m Mode) Iambic() bool { return m == IambicA || m == IambicB }

// Element is one keyed dot or dash.
type Element uint8

const (
	Dit Element = iota + 1
	Dah
)

func (e Element) String() string {
	switch e {
	case Dit:
		return "."
	case Dah:
		return "-"
	}
	return ""
}

func (e Element) opposite() Element {
	if e == Dit {
		return Dah
	}
	return Dit
}

// State is the keyer's position in idle -> keydown -> gap.
type State uint8

const (
	Idle State = iota
	KeyDown
	Gap
)

func (s State) String() string {
	switch s {
	case KeyDown:
		return "keydown"
	case Gap:
		return "gap"
	}
	return "idle"
}
