package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
)

// MaxLineBytes bounds the carry-over buffer so a peer that never sends a
// newline cannot grow it without limit. Base64 of one PCM frame is far below
// this; the headroom is for oversized but still legitimate configurations.
const MaxLineBytes = 1 << 20

// Encode marshals a message and appends the record delimiter. JSON string
// escaping guarantees the marshaled body itself contains no raw newline.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// Decoder reassembles newline-delimited messages from arbitrary read chunks.
// TCP gives no message boundaries, so a single Feed may yield zero, one, or
// many messages, with any trailing partial line retained for the next call.
type Decoder struct {
	buf      []byte
	overflow int
	invalid  int
}

// Feed appends raw bytes and returns every complete message they finish.
// Lines that fail to parse are logged and skipped; they never fail the
// stream. Blank lines are ignored.
func (d *Decoder) Feed(p []byte) []*Message {
	d.buf = append(d.buf, p...)

	var msgs []*Message
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(d.buf[:i])
		d.buf = d.buf[i+1:]
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			d.invalid++
			log.Printf("protocol: discarding invalid line: %v", err)
			continue
		}
		msgs = append(msgs, &msg)
	}

	if len(d.buf) > MaxLineBytes {
		d.overflow++
		log.Printf("protocol: line exceeds %d bytes, dropping buffer", MaxLineBytes)
		d.buf = d.buf[:0]
	}
	return msgs
}

// Pending returns the number of buffered bytes awaiting a delimiter.
func (d *Decoder) Pending() int { return len(d.buf) }

// Discarded returns how many lines were dropped as unparseable and how many
// times the carry-over buffer overflowed.
func (d *Decoder) Discarded() (invalid, overflow int) { return d.invalid, d.overflow }
