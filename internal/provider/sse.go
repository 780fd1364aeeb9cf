package provider

import (
	"bytes"
	"strings"
)

// Frame is one decoded SSE record: an event name and its raw data payload.
type Frame struct {
	Event string
	Data  string
}

var frameDelimiter = []byte("\n\n")

// Decoder splits a streamed SSE body into frames. Bytes are buffered until a
// blank-line terminated record is available, so callers may feed arbitrary
// chunk boundaries. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends chunk and returns every frame completed by it, in wire order.
// Records missing an event or data field are dropped.
func (d *Decoder) Feed(chunk []byte) []Frame {
	for _, b := range chunk {
		if b != '\r' {
			d.buf = append(d.buf, b)
		}
	}

	var frames []Frame
	for {
		i := bytes.Index(d.buf, frameDelimiter)
		if i < 0 {
			break
		}
		record := string(d.buf[:i])
		d.buf = d.buf[i+len(frameDelimiter):]
		if f, ok := parseRecord(record); ok {
			frames = append(frames, f)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Finish discards any unterminated trailing bytes and reports how many were
// dropped.
func (d *Decoder) Finish() int {
	n := len(d.buf)
	d.buf = nil
	return n
}

// Buffered returns the number of bytes waiting for a delimiter.
func (d *Decoder) Buffered() int { return len(d.buf) }

func parseRecord(record string) (Frame, bool) {
	var f Frame
	var data []string
	hasData := false
	for _, line := range strings.Split(record, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = strings.TrimSpace(value)
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if f.Event == "" || !hasData {
		return Frame{}, false
	}
	f.Data = strings.Join(data, "\n")
	return f, true
}
