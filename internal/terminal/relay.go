package terminal

import (
	"io"
	"unicode/utf8"
)

const relayBufSize = 32 * 1024

// Relay forwards everything read from r to emit, one call per read. A read
// that ends inside a multi-byte UTF-8 sequence holds back only that partial
// sequence until the next read completes it. Relay returns nil on EOF and
// the first read or emit error otherwise.
func Relay(r io.Reader, emit func(string) error) error {
	buf := make([]byte, relayBufSize)
	pending := 0
	for {
		n, err := r.Read(buf[pending:])
		n += pending
		pending = 0
		if n > 0 {
			cut := n
			if err == nil {
				cut = completePrefix(buf[:n])
			}
			if cut > 0 {
				if emitErr := emit(string(buf[:cut])); emitErr != nil {
					return emitErr
				}
			}
			pending = copy(buf, buf[cut:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// completePrefix returns the length of p without a trailing incomplete rune.
func completePrefix(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}
