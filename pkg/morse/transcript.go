package morse

import "strings"

const (
	defaultMorseCap = 4096
	defaultTextCap  = 2048
)

// Transcript accumulates a morse stream and its translation. Both are bounded;
// the oldest runes are dropped first.
type Transcript struct {
	morse   []rune
	text    []rune
	pending strings.Builder

	morseCap, textCap int
}

func NewTranscript() *Transcript {
	return &Transcript{morseCap: defaultMorseCap, textCap: defaultTextCap}
}

// Symbol appends "." or "-" to the current letter.
func (t *Transcript) Symbol(s string) {
	t.pending.WriteString(s)
	t.Raw(s)
}

// Raw appends to the morse stream without touching the pending letter.
func (t *Transcript) Raw(s string) {
	t.morse = appendBounded(t.morse, s, t.morseCap)
}

// EndLetter closes the current letter and returns its translation.
// ok is false when no symbols were pending.
func (t *Transcript) EndLetter() (r rune, ok bool) {
	if t.pending.Len() == 0 {
		return 0, false
	}
	r = Letter(t.pending.String())
	t.pending.Reset()
	t.CloseLetter(r)
	return r, true
}

// CloseLetter records a letter whose symbols were already appended with Raw.
func (t *Transcript) CloseLetter(r rune) {
	t.morse = appendBounded(t.morse, "/", t.morseCap)
	t.text = appendBounded(t.text, string(r), t.textCap)
}

// EndWord closes any pending letter and appends a word break.
func (t *Transcript) EndWord() {
	t.EndLetter()
	t.CloseWord()
}

// CloseWord appends a word break. A trailing letter separator is folded into it.
func (t *Transcript) CloseWord() {
	if n := len(t.morse); n > 0 && t.morse[n-1] == '/' && (n < 2 || t.morse[n-2] != '/') {
		t.morse = t.morse[:n-1]
	}
	t.morse = appendBounded(t.morse, "//", t.morseCap)
	t.text = appendBounded(t.text, " ", t.textCap)
}

func (t *Transcript) Pending() string { return t.pending.String() }
func (t *Transcript) Morse() string { return string(t.morse) }
func (t *Transcript) Text() string { return string(t.text) }

func (t *Transcript) Reset() {
	t.morse, t.text = t.morse[:0], t.text[:0]
	t.pending.Reset()
}

func appendBounded(buf []rune, s string, limit int) []rune {
	buf = append(buf, []rune(s)...)
	if limit > 0 && len(buf) > limit {
		buf = append(buf[:0], buf[len(buf)-limit:]...)
	}
	return buf
}
