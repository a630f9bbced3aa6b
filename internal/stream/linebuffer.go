package stream

import (
	"bytes"
	"strings"
)

// LineBuffer reassembles newline-delimited lines from chunks with arbitrary boundaries. The zero value
// is ready to use.
type LineBuffer struct {
	buf []byte
}

// Feed appends chunk to the buffer and returns every line completed by it, in order and without the line
// terminator. A trailing carriage return is stripped so CRLF bodies behave like LF ones. The last
// incomplete fragment stays buffered until a later chunk terminates it.
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.buf = append(b.buf, chunk...)

	var lines []string
	consumed := 0
	for {
		i := bytes.IndexByte(b.buf[consumed:], '\n')
		if i < 0 {
			break
		}
		line := string(b.buf[consumed : consumed+i])
		lines = append(lines, strings.TrimSuffix(line, "\r"))
		consumed += i + 1
	}

	if consumed > 0 {
		b.buf = append(b.buf[:0], b.buf[consumed:]...)
	}
	return lines
}

// Rest returns the buffered fragment that hasn't been terminated by a newline yet, and empties the
// buffer.
func (b *LineBuffer) Rest() string {
	rest := strings.TrimSuffix(string(b.buf), "\r")
	b.buf = b.buf[:0]
	return rest
}

// Len returns the number of buffered bytes.
func (b *LineBuffer) Len() int {
	return len(b.buf)
}
