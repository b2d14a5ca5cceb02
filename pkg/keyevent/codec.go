package keyevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformed means the payload is not a JSON object of the expected shape.
	ErrMalformed = errors.New("keyevent: malformed payload")
	// ErrInvalid means a required field is missing or out of range.
	ErrInvalid = errors.New("keyevent: invalid field")
	// ErrProtocol means the protocol name or version does not match.
	ErrProtocol = errors.New("keyevent: protocol mismatch")
)

// Encode clamps the hints and serializes ev. Empty protocol fields are filled in.
func Encode(ev KeyEvent) ([]byte, error) {
	if ev.Protocol == "" {
		ev.Protocol = ProtocolName
	}
	if ev.Version == 0 {
		ev.Version = ProtocolVersion
	}
	ev.Hints = ev.Hints.Clamp()
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("keyevent: encode: %w", err)
	}
	return b, nil
}

// wireEvent distinguishes absent fields from zero values.
type wireEvent struct {
	Protocol    *string `json:"protocol" validate:"required"`
	Version     *int    `json:"version" validate:"required"`
	SessionID   *string `json:"session_id" validate:"required,min=1"`
	Seq         *uint64 `json:"seq" validate:"required"`
	Call        *string `json:"myCall" validate:"required,min=1"`
	Channel     *int    `json:"myChannel" validate:"required"`
	Event       *string `json:"event" validate:"required,oneof=down up"`
	EventTimeMS *int64  `json:"event_time_ms" validate:"required,min=0"`
	KeyerMode   *string `json:"keyer_mode"`

	DotMS       *int64 `json:"dot_ms_hint"`
	DashMS      *int64 `json:"dash_ms_hint"`
	LetterGapMS *int64 `json:"letter_gap_ms_hint"`
	WordGapMS   *int64 `json:"word_gap_ms_hint"`
}

// Decoder validates inbound payloads. Absent hints fall back to Defaults.
// A Decoder is safe for concurrent use as long as Defaults is not modified.
type Decoder struct {
	Defaults Hints
	validate *validator.Validate
}

func NewDecoder(defaults Hints) *Decoder {
	return &Decoder{Defaults: defaults, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Decode parses payload. Every rejection wraps ErrMalformed, ErrInvalid or
// ErrProtocol; callers are expected to drop the message.
func (d *Decoder) Decode(payload []byte) (KeyEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return KeyEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	trim(w.Protocol, false)
	trim(w.SessionID, false)
	trim(w.Call, false)
	trim(w.Event, true)
	trim(w.KeyerMode, true)

	if err := d.validate.Struct(&w); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return KeyEvent{}, fmt.Errorf("%w: %s failed %q", ErrInvalid, verrs[0].Field(), verrs[0].Tag())
		}
		return KeyEvent{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if *w.Protocol != ProtocolName || *w.Version != ProtocolVersion {
		return KeyEvent{}, fmt.Errorf("%w: %s v%d", ErrProtocol, *w.Protocol, *w.Version)
	}

	ev := KeyEvent{
		Protocol:    *w.Protocol,
		Version:     *w.Version,
		SessionID:   *w.SessionID,
		Seq:         *w.Seq,
		Call:        *w.Call,
		Channel:     *w.Channel,
		Event:       Type(*w.Event),
		EventTimeMS: *w.EventTimeMS,
		KeyerMode:   "straight",
		Hints: Hints{
			DotMS:       orDefault(w.DotMS, d.Defaults.DotMS),
			DashMS:      orDefault(w.DashMS, d.Defaults.DashMS),
			LetterGapMS: orDefault(w.LetterGapMS, d.Defaults.LetterGapMS),
			WordGapMS:   orDefault(w.WordGapMS, d.Defaults.WordGapMS),
		}.Clamp(),
	}
	if w.KeyerMode != nil && *w.KeyerMode != "" {
		ev.KeyerMode = *w.KeyerMode
	}
	return ev, nil
}

func trim(s *string, lower bool) {
	if s == nil {
		return
	}
	*s = strings.TrimSpace(*s)
	if lower {
		*s = strings.ToLower(*s)
	}
}

func orDefault(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}
