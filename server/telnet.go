package server

import (
	"bufio"
	"io"
)

// Telnet command bytes that may appear on an FTP control connection (RFC 854).
const (
	telnetIAC  = 0xFF
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// telnetReader strips Telnet command sequences from the control channel so
// that only command text reaches the line reader. IAC IAC is kept as a
// literal 0xFF byte.
type telnetReader struct {
	src *bufio.Reader
}

func newTelnetReader(r io.Reader) *telnetReader {
	return &telnetReader{src: bufio.NewReader(r)}
}

// Read fills p with filtered bytes. It returns early once the buffered input
// is exhausted rather than blocking on the network with data in hand.
func (t *telnetReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if n > 0 && t.src.Buffered() == 0 {
			return n, nil
		}

		b, err := t.src.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if b != telnetIAC {
			p[n] = b
			n++
			continue
		}

		cmd, err := t.src.ReadByte()
		if err != nil {
			return n, err
		}
		switch cmd {
		case telnetIAC:
			p[n] = telnetIAC
			n++
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			// option byte
			if _, err := t.src.ReadByte(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}
