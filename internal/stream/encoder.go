package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/ashita-ai/nagare/internal/model"
)

// Encoder frames events for one execution stream. It assigns monotonic
// message ids and is not safe for concurrent use: event emission is
// producer/single-consumer per execution.
type Encoder struct {
	w          io.Writer
	chunkBytes int
	nextID     int64
}

// NewEncoder creates an encoder writing to w. chunkBytes ≤ 0 selects
// DefaultChunkBytes.
func NewEncoder(w io.Writer, chunkBytes int) *Encoder {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	return &Encoder{w: w, chunkBytes: chunkBytes, nextID: 1}
}

// Encode assigns the next message id to ev.Seq and writes one frame: the
// event tag plus the JSON-marshalled event, chunked when it exceeds the
// threshold. Returns the assigned id.
func (e *Encoder) Encode(ev model.Event) (int64, error) {
	id := e.nextID
	ev.Seq = id

	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("stream: marshal %s event: %w", ev.Type, err)
	}

	buf := make([]byte, 0, len(data)+len(ev.Type)+32)
	buf = append(buf, "id: "...)
	buf = strconv.AppendInt(buf, id, 10)
	buf = append(buf, "\nevent: "...)
	buf = append(buf, string(ev.Type)...)
	buf = append(buf, '\n')
	for len(data) > 0 {
		chunk := data
		if len(chunk) > e.chunkBytes {
			chunk = chunk[:e.chunkBytes]
		}
		buf = append(buf, "data: "...)
		buf = append(buf, chunk...)
		buf = append(buf, '\n')
		data = data[len(chunk):]
	}
	buf = append(buf, '\n')

	if _, err := e.w.Write(buf); err != nil {
		return 0, fmt.Errorf("stream: write frame: %w", err)
	}
	e.nextID++
	return id, nil
}

// Keepalive writes an SSE comment that decoders skip. It keeps idle
// connections from being reaped by intermediaries.
func (e *Encoder) Keepalive() error {
	if _, err := io.WriteString(e.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("stream: write keepalive: %w", err)
	}
	return nil
}

// LastID returns the id of the most recently encoded frame, 0 before any.
func (e *Encoder) LastID() int64 {
	return e.nextID - 1
}
