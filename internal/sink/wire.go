// Package sink owns the TCP session to the ambient lighting server:
// framing, registration, frame delivery and the connection state
// machine around them.
package sink

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Every message on the wire is a uint32 big-endian payload length
// followed by the payload. Payload records are type-tagged.
const (
	recordRegister byte = 0x01
	recordColor    byte = 0x02
	recordImage    byte = 0x03
)

// maxReplyLen bounds the registration reply so a confused peer cannot
// make us allocate gigabytes.
const maxReplyLen = 64 * 1024

// codec encodes records into a reusable scratch buffer; one codec per
// connection goroutine, not safe for concurrent use.
type codec struct {
	scratch []byte
}

// encodeRegister builds the channel registration record: origin name
// and priority, sent once after connect.
func (c *codec) encodeRegister(origin string, priority int) []byte {
	need := 1 + 4 + 2 + len(origin)
	c.grow(need)
	b := c.scratch[:need]
	b[0] = recordRegister
	binary.BigEndian.PutUint32(b[1:5], uint32(int32(priority)))
	binary.BigEndian.PutUint16(b[5:7], uint16(len(origin)))
	copy(b[7:], origin)
	return b
}

// encodeColor builds a solid color record, used as the warm-up probe
// right after registration.
func (c *codec) encodeColor(priority int, r, g, b byte) []byte {
	c.grow(8)
	buf := c.scratch[:8]
	buf[0] = recordColor
	binary.BigEndian.PutUint32(buf[1:5], uint32(int32(priority)))
	buf[5], buf[6], buf[7] = r, g, b
	return buf
}

// encodeImage builds an RGB frame record.
func (c *codec) encodeImage(width, height int, rgb []byte) []byte {
	need := 1 + 4 + 4 + len(rgb)
	c.grow(need)
	b := c.scratch[:need]
	b[0] = recordImage
	binary.BigEndian.PutUint32(b[1:5], uint32(width))
	binary.BigEndian.PutUint32(b[5:9], uint32(height))
	copy(b[9:], rgb)
	return b
}

func (c *codec) grow(n int) {
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
}

// writeMessage frames and writes one payload.
func writeMessage(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readMessage reads one framed payload, used for the registration
// reply.
func readMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxReplyLen {
		return nil, fmt.Errorf("reply length %d exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}
