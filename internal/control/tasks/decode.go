package tasks

import "github.com/antonkrylov/wharf/internal/control/sink"

// decodePending decodes buf, keeping an incomplete trailing sequence in buf
// for the next call unless final.
func decodePending(buf *[]byte, final bool) string {
	b := *buf
	keep := 0
	if !final {
		keep = sink.IncompleteTail(b)
	}
	text := sink.Decode(b[:len(b)-keep], true)
	*buf = append([]byte(nil), b[len(b)-keep:]...)
	return text
}
