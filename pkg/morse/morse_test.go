package morse

import (
	"strings"
	"testing"
)

func TestLookup(t *testing.T) {
	for code, want := range map[string]rune{".-": 'A', "..": 'I', "-----": '0', "..--..": '?'} {
		if got, ok := Lookup(code); !ok || got != want {
			t.Fatalf("Lookup(%q) = %q,%v want %q", code, got, ok, want)
		}
	}
	if got := Letter("........"); got != Unknown {
		t.Fatalf("Letter(unknown) = %q, want %q", got, Unknown)
	}
}

func TestEncodeDecode(t *testing.T) {
	if got := Encode("cq de k1"); got != "-.-./--.-//-.././/-.-/.----" {
		t.Fatalf("Encode = %q", got)
	}
	if got := Decode(Encode("CQ DE K1ABC")); got != "CQ DE K1ABC" {
		t.Fatalf("Decode(Encode) = %q", got)
	}
}

func TestTranscriptLettersAndWords(t *testing.T) {
	tr := NewTranscript()
	tr.Symbol(".")
	tr.Symbol(".")
	if r, ok := tr.EndLetter(); !ok || r != 'I' {
		t.Fatalf("EndLetter = %q,%v want I", r, ok)
	}
	if _, ok := tr.EndLetter(); ok {
		t.Fatalf("EndLetter with nothing pending reported a letter")
	}
	tr.Symbol("-")
	tr.EndWord()
	if tr.Text() != "IT " || tr.Morse() != "../-//" {
		t.Fatalf("Text = %q Morse = %q", tr.Text(), tr.Morse())
	}
}

func TestTranscriptBounded(t *testing.T) {
	tr := NewTranscript()
	for i := 0; i < 3000; i++ {
		tr.Symbol(".")
		tr.EndLetter()
	}
	if n := len([]rune(tr.Text())); n != defaultTextCap {
		t.Fatalf("text length = %d, want %d", n, defaultTextCap)
	}
	if n := len([]rune(tr.Morse())); n != defaultMorseCap {
		t.Fatalf("morse length = %d, want %d", n, defaultMorseCap)
	}
	if !strings.HasSuffix(tr.Morse(), "./") {
		t.Fatalf("morse tail = %q", tr.Morse()[len(tr.Morse())-4:])
	}
}
