// Package morse holds the international code table and the transcript buffers
// that collect keyed symbols into letters and words.
package morse

import (
	"strings"
	"unicode"
)

// Unknown is what an unrecognized letter decodes to.
const Unknown = '*'

var codeToRune = map[string]rune{
	".-": 'A', "-...": 'B', "-.-.": 'C', "-..": 'D', ".": 'E',
	"..-.": 'F', "--.": 'G', "....": 'H', "..": 'I', ".---": 'J',
	"-.-": 'K', ".-..": 'L', "--": 'M', "-.": 'N', "---": 'O',
	".--.": 'P', "--.-": 'Q', ".-.": 'R', "...": 'S', "-": 'T',
	"..-": 'U', "...-": 'V', ".--": 'W', "-..-": 'X', "-.--": 'Y',
	"--..": 'Z',

	"-----": '0', ".----": '1', "..---": '2', "...--": '3', "....-": '4',
	".....": '5', "-....": '6', "--...": '7', "---..": '8', "----.": '9',

	".-.-.-": '.', "---...": ':', "--..--": ',', "-.-.-.": ';',
	"..--..": '?', "-...-": '=', ".----.": '\'', "-.-.--": '!',
	"-..-.": '/', "-.--.": '(', "-.--.-": ')', ".-...": '&',
	".-..-.": '"', "...-..-": '$', ".--.-.": '@',
}

var runeToCode = func() map[rune]string {
	m := make(map[rune]string, len(codeToRune))
	for code, r := range codeToRune {
		m[r] = code
	}
	return m
}()

// Lookup translates one letter's dots and dashes.
func Lookup(code string) (rune, bool) {
	r, ok := codeToRune[code]
	return r, ok
}

// Letter translates one letter, returning Unknown when the code is not in the table.
func Letter(code string) rune {
	if r, ok := codeToRune[code]; ok {
		return r
	}
	return Unknown
}

// CodeFor returns the code for r (case-insensitive).
func CodeFor(r rune) (string, bool) {
	c, ok := runeToCode[unicode.ToUpper(r)]
	return c, ok
}

// Encode renders text as a morse stream with "/" between letters and "//"
// between words. Characters without a code are skipped.
func Encode(text string) string {
	var words []string
	for _, w := range strings.Fields(text) {
		var letters []string
		for _, r := range w {
			if c, ok := CodeFor(r); ok {
				letters = append(letters, c)
			}
		}
		if len(letters) > 0 {
			words = append(words, strings.Join(letters, "/"))
		}
	}
	return strings.Join(words, "//")
}

// Decode reverses Encode.
func Decode(stream string) string {
	var b strings.Builder
	for i, w := range strings.Split(strings.Trim(stream, "/"), "//") {
		if i > 0 {
			b.WriteByte(' ')
		}
		for _, l := range strings.Split(w, "/") {
			if l == "" {
				continue
			}
			b.WriteRune(Letter(l))
		}
	}
	return b.String()
}
