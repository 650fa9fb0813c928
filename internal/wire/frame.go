// Package wire implements the terminal wire protocol: STX/ETX framed
// ASCII JSON envelopes exchanged over a plain TCP stream.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Framing bytes. A frame on the wire is STX LF <json> LF ETX LF; the
// decoder tolerates any number of LF fillers around the payload.
const (
	STX byte = 0x02
	ETX byte = 0x03
	LF  byte = 0x0A
	CR  byte = 0x0D
	NUL byte = 0x00
)

// ErrInvalidFrame marks a frame whose inner payload failed JSON parsing.
// The decoder stays synchronized and resumes after the offending ETX.
var ErrInvalidFrame = errors.New("invalid frame")

// Encode serializes v as ASCII JSON and wraps it in a single frame
// buffer so the caller can hand it to the socket in one write.
func Encode(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	buf := make([]byte, 0, len(payload)+5)
	buf = append(buf, STX, LF)
	buf = append(buf, payload...)
	buf = append(buf, LF, ETX, LF)
	return buf, nil
}

// Decoder is a streaming frame decoder. Feed it byte chunks as they
// arrive from the socket and pull complete frames with Next.
type Decoder struct {
	buf []byte
}

// Feed appends a received chunk to the internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Pending reports whether the buffer holds an unconsumed partial frame.
func (d *Decoder) Pending() bool {
	return len(d.buf) > 0
}

// Next scans the buffer for the earliest complete frame. It returns the
// decoded response and the raw inner payload, or (nil, nil, nil) when
// no complete frame is buffered yet. Bytes before the first STX are
// discarded. A frame whose payload is not valid JSON yields
// ErrInvalidFrame together with the raw payload; the decoder resumes at
// the byte after the offending ETX.
func (d *Decoder) Next() (*Response, []byte, error) {
	start := bytes.IndexByte(d.buf, STX)
	if start < 0 {
		// Nothing but garbage; drop it.
		d.buf = d.buf[:0]
		return nil, nil, nil
	}
	if start > 0 {
		d.buf = d.buf[start:]
	}

	end := bytes.IndexByte(d.buf, ETX)
	if end < 0 {
		// Partial frame: keep bytes from STX onward and wait for more.
		return nil, nil, nil
	}

	raw := scrub(d.buf[1:end])
	d.buf = d.buf[end+1:]

	var rsp Response
	if err := json.Unmarshal(raw, &rsp); err != nil {
		return nil, raw, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return &rsp, raw, nil
}

// scrub strips framing and control bytes that some terminals embed
// inside the JSON payload.
func scrub(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for _, b := range p {
		switch b {
		case STX, ETX, LF, CR, NUL:
			continue
		}
		out = append(out, b)
	}
	return out
}
