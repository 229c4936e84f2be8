package uartgw

import (
	"bufio"
	"io"
)

const (
	frameDelimiter = 0xfd
	escape         = 0xfc
)

// escapingWriter escapes 0xfd for the UARTGW
type escapingWriter struct {
	w io.Writer
}

func (ew *escapingWriter) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	// Twice as long: in the worst case, every byte needs to be escaped.
	escaped := make([]byte, 0, len(p)*2)
	for _, b := range p {
		// 0xfd (frame delimiter) must be escaped within a frame.
		// 0xfc introduces an escaped byte, so bytes which happen to
		// be 0xfc need to be escaped as well.
		if b == frameDelimiter || b == escape {
			escaped = append(escaped, escape, b&0x7f)
		} else {
			escaped = append(escaped, b)
		}
	}
	if _, err := ew.w.Write(escaped); err != nil {
		return 0, err
	}
	return len(p), nil
}

// unescapingReader returns the bytes of a frame one at a time. An
// unescaped 0xfd always starts a new frame, even in the middle of the
// current one.
type unescapingReader struct {
	r *bufio.Reader
}

func newUnescapingReader(r io.Reader) *unescapingReader {
	return &unescapingReader{r: bufio.NewReader(r)}
}

// next returns the next unescaped byte. delim is true if the byte
// is a frame delimiter.
func (uer *unescapingReader) next() (b byte, delim bool, err error) {
	b, err = uer.r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch b {
	case frameDelimiter:
		return b, true, nil
	case escape:
		b, err = uer.r.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return b | 0x80, false, nil
	}
	return b, false, nil
}
