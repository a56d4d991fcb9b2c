// Package pop3wire implements the POP3 dot-stuffing wire codec: two
// pure functions over byte buffers, restartable across arbitrary chunk
// boundaries. The codec never parses POP3 commands or responses; it
// only byte-stuffs/unstuffs and detects the multi-line terminator.
package pop3wire

import "bytes"

// Encode appends raw to out with dot-stuffing applied: any line
// beginning with '.' gets an extra '.' prepended. When finish is false
// and raw ends mid-line (no trailing "\n"), the trailing partial line
// is NOT written to out; it is returned so the caller can prepend it to
// the next call's input. When finish is true, any trailing partial line
// is stuffed and flushed as-is.
func Encode(raw []byte, out *bytes.Buffer, finish bool) (tail []byte) {
	data := raw
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			if finish {
				if len(data) > 0 {
					stuffLine(out, data)
				}
				return nil
			}
			return data
		}
		line := data[:nl+1]
		stuffLine(out, line)
		data = data[nl+1:]
	}
}

func stuffLine(out *bytes.Buffer, line []byte) {
	if len(line) > 0 && line[0] == '.' {
		out.WriteByte('.')
	}
	out.Write(line)
}

// Decoder reverses dot-stuffing and detects the multi-line terminator
// "\r\n.\r\n", restartably across chunks fed via Feed. It operates one
// line at a time: a line consisting of exactly "." CRLF is the
// terminator and is consumed without being emitted; a line beginning
// with ".." has its leading dot stripped (unstuffed); any other line
// passes through unchanged.
type Decoder struct {
	pending []byte // bytes held back because the current line isn't fully decided yet
	done    bool
}

// NewDecoder returns a Decoder ready to consume the start of a new
// multi-line response.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes wire bytes (an arbitrary fragment of the overall
// stream) and returns the unstuffed plaintext decoded from them, plus
// whether the terminator has now been observed and consumed. Once
// foundEnd is true, further Feed calls return (nil, true) without
// consuming more input.
func (d *Decoder) Feed(wire []byte) (out []byte, foundEnd bool) {
	if d.done {
		return nil, true
	}

	buf := append(d.pending, wire...)
	d.pending = nil

	var result []byte
	for len(buf) > 0 {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			// incomplete line: only safe to flush bytes that can't
			// possibly be part of a dot-line marker; hold the rest.
			if buf[0] == '.' {
				d.pending = buf
				return result, false
			}
			result = append(result, buf...)
			d.pending = nil
			return result, false
		}

		line := buf[:nl+1] // includes trailing \n
		rest := buf[nl+1:]

		switch {
		case isTerminatorLine(line):
			d.done = true
			return result, true
		case len(line) >= 2 && line[0] == '.' && line[1] == '.':
			result = append(result, line[1:]...) // drop one leading dot
		case line[0] == '.' && !hasCR(line):
			// "." followed directly by content with no CRLF yet seen
			// in this fragment - ambiguous only if this whole line is
			// just "." with no more bytes after \n in this chunk; but
			// we already have the full line (nl found), so a line
			// that starts with a lone '.' and isn't exactly ".\r\n" is
			// genuinely malformed input that we still pass through
			// unchanged, since this codec does not validate protocol
			// semantics.
			result = append(result, line...)
		default:
			result = append(result, line...)
		}

		buf = rest
	}

	return result, false
}

func hasCR(line []byte) bool {
	return len(line) >= 2 && line[len(line)-2] == '\r'
}

// isTerminatorLine reports whether line is exactly ".\r\n" or the
// bare-LF variant ".\n" (some servers omit CR).
func isTerminatorLine(line []byte) bool {
	return bytes.Equal(line, []byte(".\r\n")) || bytes.Equal(line, []byte(".\n"))
}

// Reset clears a Decoder for reuse on a fresh multi-line response.
func (d *Decoder) Reset() {
	d.pending = nil
	d.done = false
}
