package sink

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestEncodeRegisterLayout(t *testing.T) {
	var c codec
	b := c.encodeRegister("glowgrab", 150)

	if len(b) != 1+4+2+8 {
		t.Fatalf("record length = %d, want %d", len(b), 1+4+2+8)
	}
	if b[0] != recordRegister {
		t.Errorf("type = %#x, want %#x", b[0], recordRegister)
	}
	if got := int32(binary.BigEndian.Uint32(b[1:5])); got != 150 {
		t.Errorf("priority = %d, want 150", got)
	}
	if got := binary.BigEndian.Uint16(b[5:7]); got != 8 {
		t.Errorf("origin length = %d, want 8", got)
	}
	if got := string(b[7:]); got != "glowgrab" {
		t.Errorf("origin = %q, want glowgrab", got)
	}
}

func TestEncodeRegisterNegativePriority(t *testing.T) {
	var c codec
	b := c.encodeRegister("x", -1)
	if got := int32(binary.BigEndian.Uint32(b[1:5])); got != -1 {
		t.Errorf("priority round-trip = %d, want -1", got)
	}
}

func TestEncodeColorLayout(t *testing.T) {
	var c codec
	b := c.encodeColor(150, 10, 20, 30)

	if len(b) != 8 {
		t.Fatalf("record length = %d, want 8", len(b))
	}
	if b[0] != recordColor {
		t.Errorf("type = %#x, want %#x", b[0], recordColor)
	}
	if got := int32(binary.BigEndian.Uint32(b[1:5])); got != 150 {
		t.Errorf("priority = %d, want 150", got)
	}
	if b[5] != 10 || b[6] != 20 || b[7] != 30 {
		t.Errorf("rgb = %d,%d,%d, want 10,20,30", b[5], b[6], b[7])
	}
}

func TestEncodeImageLayout(t *testing.T) {
	var c codec
	rgb := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	b := c.encodeImage(2, 2, rgb)

	if len(b) != 1+4+4+len(rgb) {
		t.Fatalf("record length = %d, want %d", len(b), 1+4+4+len(rgb))
	}
	if b[0] != recordImage {
		t.Errorf("type = %#x, want %#x", b[0], recordImage)
	}
	if got := binary.BigEndian.Uint32(b[1:5]); got != 2 {
		t.Errorf("width = %d, want 2", got)
	}
	if got := binary.BigEndian.Uint32(b[5:9]); got != 2 {
		t.Errorf("height = %d, want 2", got)
	}
	if !bytes.Equal(b[9:], rgb) {
		t.Errorf("payload = %v, want %v", b[9:], rgb)
	}
}

func TestCodecScratchReuse(t *testing.T) {
	var c codec
	big := c.encodeImage(2, 1, []byte{1, 2, 3, 4, 5, 6})
	if len(big) != 15 {
		t.Fatalf("first record length = %d, want 15", len(big))
	}
	small := c.encodeColor(0, 9, 9, 9)
	if len(small) != 8 {
		t.Errorf("second record length = %d, want 8", len(small))
	}
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{recordRegister, 0xAA, 0xBB}

	if err := writeMessage(&buf, payload); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); got != 3 {
		t.Errorf("frame length = %d, want 3", got)
	}

	got, err := readMessage(&buf)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %v, want %v", got, payload)
	}
}

func TestReadMessageRejectsOversizedReply(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], maxReplyLen+1)
	buf.Write(hdr[:])

	_, err := readMessage(&buf)
	if err == nil {
		t.Fatal("expected error for oversized reply")
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("error = %v, want length limit error", err)
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 10)
	buf.Write(hdr[:])
	buf.Write([]byte{1, 2, 3})

	if _, err := readMessage(&buf); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
