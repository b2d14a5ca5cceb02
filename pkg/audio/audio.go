// Package audio is the sidetone contract the transmit and receive paths drive.
// Waveform synthesis lives behind Device; this package ships a scheduler-driven
// Virtual device for headless stations and a Null device for muted paths.
package audio

import (
	"strconv"
	"time"
)

// StatusKind is the lifecycle stage reported to the status callback.
type StatusKind uint8

const (
	Started StatusKind = iota + 1
	Progress
	Finished
	Stopped
)

// Status is one playback notification. Percent is set for Progress only.
type Status struct {
	Kind    StatusKind
	Percent int
}

func (s Status) String() string {
	switch s.Kind {
	case Started:
		return "started"
	case Progress:
		return strconv.Itoa(s.Percent)
	case Finished:
		return "finished"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Timing drives PlaySequence.
type Timing struct {
	Dot, Dash, LetterGap, WordGap time.Duration
}

// Device is a single shared tone sink. Implementations are driven from the
// dispatch context and need not be safe for concurrent use.
type Device interface {
	// Start begins an open-ended tone (straight key hold).
	Start(enabled bool)
	// Stop ends any tone or sequence.
	Stop()
	// PlayForDuration sounds a tone for d followed by a silent gap.
	PlayForDuration(d time.Duration, enabled bool, gap time.Duration)
	StopPlayForDuration()
	// PlaySequence plays a morse stream of '.', '-', '/' (letter) and '//' (word).
	PlaySequence(code string, t Timing)
	IsPlaying() bool
	SetStatusCallback(func(Status))
}

// Null discards everything.
type Null struct{}

func (Null) Start(bool) {}
func (Null) Stop() {}
func (Null) PlayForDuration(time.Duration, bool, time.Duration) {}
func (Null) StopPlayForDuration() {}
func (Null) PlaySequence(string, Timing) {}
func (Null) IsPlaying() bool { return false }
func (Null) SetStatusCallback(func(Status)) {}
