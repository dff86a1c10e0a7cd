// Package dap implements the Debug Adapter Protocol wire framing: a
// Content-Length header followed by a JSON body, over any byte
// stream. It builds on github.com/google/go-dap for message decoding
// and encoding, and owns only the framing/resynchronization contract
// that library leaves to the caller.
package dap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	godap "github.com/google/go-dap"
)

// ErrCorruptStream is returned when a message body is not valid JSON.
// The stream is considered unrecoverable at that point: framing
// resynchronizes on malformed headers, but a body that fails to parse
// means Content-Length and the actual payload have diverged.
var ErrCorruptStream = errors.New("dap: corrupt stream: body is not valid JSON")

const headerSep = "\r\n\r\n"

// Decoder incrementally parses DAP messages out of a growable byte
// buffer. It is not safe for concurrent use; callers serialize Feed
// calls themselves (a dapconn.Conn owns exactly one Decoder per
// stream).
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly read bytes to the internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// contentLengthToken anchors resynchronization: garbage is discarded
// up to the next occurrence of this header name.
var contentLengthToken = []byte("content-length:")

// TryParse returns the next complete message buffered so far. If no
// complete message is available yet it returns (nil, false, nil) — the
// "need more data" signal. Malformed header blocks (and any
// surrounding garbage) are discarded and parsing resynchronizes at
// the next Content-Length header. A body that fails to decode as JSON
// is a fatal ErrCorruptStream.
func (d *Decoder) TryParse() (msg godap.Message, ok bool, err error) {
	for {
		start := bytes.Index(bytes.ToLower(d.buf), contentLengthToken)
		if start < 0 {
			// No plausible header anywhere. Keep only the tail that
			// could be a partially received header name so garbage
			// cannot accumulate unboundedly.
			if len(d.buf) > len(contentLengthToken) {
				d.buf = d.buf[len(d.buf)-len(contentLengthToken):]
			}
			return nil, false, nil
		}
		if start > 0 {
			d.buf = d.buf[start:]
		}

		sep := bytes.Index(d.buf, []byte(headerSep))
		if sep < 0 {
			// Header block not fully buffered yet.
			return nil, false, nil
		}

		headerBlock := d.buf[:sep]
		contentLength, headerErr := parseContentLength(headerBlock)
		if headerErr != nil {
			// Header name present but the value is unusable; skip
			// past the token and resynchronize at the next one.
			d.buf = d.buf[len(contentLengthToken):]
			continue
		}

		bodyStart := sep + len(headerSep)
		if len(d.buf)-bodyStart < contentLength {
			// Body not fully buffered yet.
			return nil, false, nil
		}

		body := d.buf[bodyStart : bodyStart+contentLength]
		// Copy out: the underlying array is about to be re-sliced.
		bodyCopy := make([]byte, len(body))
		copy(bodyCopy, body)

		d.buf = d.buf[bodyStart+contentLength:]

		if !json.Valid(bodyCopy) {
			return nil, false, fmt.Errorf("%w: %s", ErrCorruptStream, truncate(bodyCopy, 200))
		}

		decoded, decodeErr := godap.DecodeProtocolMessage(bodyCopy)
		if decodeErr != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrCorruptStream, decodeErr)
		}
		return decoded, true, nil
	}
}

// ParseAll drains every complete message currently buffered.
func (d *Decoder) ParseAll() ([]godap.Message, error) {
	var msgs []godap.Message
	for {
		msg, ok, err := d.TryParse()
		if err != nil {
			return msgs, err
		}
		if !ok {
			return msgs, nil
		}
		msgs = append(msgs, msg)
	}
}

// parseContentLength scans a header block (everything before the blank
// line) for a case-insensitive Content-Length header. Any other
// headers are ignored. Returns an error if no numeric Content-Length
// is present.
func parseContentLength(headerBlock []byte) (int, error) {
	lines := bytes.Split(headerBlock, []byte("\r\n"))
	for _, line := range lines {
		parts := bytes.SplitN(line, []byte(":"), 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(string(parts[0]))
		if !strings.EqualFold(name, "Content-Length") {
			continue
		}
		value := strings.TrimSpace(string(parts[1]))
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("dap: invalid Content-Length %q", value)
		}
		return n, nil
	}
	return 0, errors.New("dap: missing Content-Length header")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Encode frames a DAP message as Content-Length-prefixed JSON, ready
// to write to a stream atomically.
func Encode(msg godap.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("dap: encode message: %w", err)
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "Content-Length: %d\r\n\r\n", len(body))
	out.Write(body)
	return out.Bytes(), nil
}
