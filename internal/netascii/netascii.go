// Package netascii implements the netascii transcoding required by RFC 1350:
// host newlines become CR+LF on the wire, and a lone CR becomes CR+NUL.
package netascii

import (
	"bytes"
	"runtime"
)

// lf and nul are the two bytes netascii ever puts after a carriage return (cr).
const (
	cr  = '\r'
	lf  = '\n'
	nul = 0
)

// DefaultNewline is the host newline sequence assumed when callers don't
// supply one explicitly.
var DefaultNewline = defaultNewline()

func defaultNewline() []byte {
	if runtime.GOOS == "windows" {
		return []byte("\r\n")
	}
	return []byte("\n")
}

// Encode converts host-newline bytes into their netascii wire form: every
// occurrence of newline is replaced with CR+LF, and every CR not already
// part of a newline match is replaced with CR+NUL.
//
// Newline-match is checked before lone-CR, so a CR that happens to begin a
// newline sequence is never also treated as a lone CR.
func Encode(b []byte, newline []byte) []byte {
	if len(newline) == 0 {
		newline = DefaultNewline
	}

	out := make([]byte, 0, len(b)+len(b)/8)
	for i := 0; i < len(b); {
		if bytes.HasPrefix(b[i:], newline) {
			out = append(out, cr, lf)
			i += len(newline)
			continue
		}
		if b[i] == cr {
			out = append(out, cr, nul)
			i++
			continue
		}
		out = append(out, b[i])
		i++
	}
	return out
}

// Decode converts netascii wire bytes back to host-newline bytes: CR+LF
// decodes to newline, CR+NUL decodes to a lone CR.
//
// CR+LF is checked before CR+NUL; both share a leading CR but the second
// byte disambiguates which one matched.
func Decode(b []byte, newline []byte) []byte {
	if len(newline) == 0 {
		newline = DefaultNewline
	}

	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); {
		if b[i] == cr && i+1 < len(b) {
			switch b[i+1] {
			case lf:
				out = append(out, newline...)
				i += 2
				continue
			case nul:
				out = append(out, cr)
				i += 2
				continue
			}
		}
		out = append(out, b[i])
		i++
	}
	return out
}
