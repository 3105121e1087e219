package sink

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decode converts stored output to text, substituting U+FFFD for invalid
// sequences. When final is false the output may still grow, so a trailing
// multi-byte sequence that is merely incomplete is held back instead of
// being replaced.
func Decode(b []byte, final bool) string {
	if !final {
		b = b[:len(b)-IncompleteTail(b)]
	}
	out, _, err := transform.Bytes(unicode.UTF8.NewDecoder(), b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(out)
}

// Text is Decode applied to the current contents of key.
func (s *Sink) Text(key string, final bool) string {
	return Decode(s.Read(key), final)
}

// IncompleteTail returns the length of a truncated UTF-8 sequence at the end
// of b, or 0.
func IncompleteTail(b []byte) int {
	for n := 1; n < utf8.UTFMax && n <= len(b); n++ {
		c := b[len(b)-n]
		if !utf8.RuneStart(c) {
			continue
		}
		if c >= 0xC0 && !utf8.FullRune(b[len(b)-n:]) {
			return n
		}
		return 0
	}
	return 0
}
