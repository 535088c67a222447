package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ashita-ai/nagare/internal/model"
)

// Decoder reads frames from an execution stream. It tolerates frame
// boundaries split across reads: lines are buffered until the terminating
// blank line, and multi-chunk payloads are reassembled by direct
// concatenation before parsing. Comment lines and unknown fields are
// skipped.
type Decoder struct {
	scanner  *bufio.Scanner
	maxFrame int
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxFrameBytes)
	return &Decoder{scanner: scanner, maxFrame: MaxFrameBytes}
}

// Next returns the next event on the stream. io.EOF signals a closed
// transport; callers distinguish clean termination by having seen an end
// event first.
func (d *Decoder) Next() (model.Event, error) {
	var (
		id        int64
		eventType string
		data      []byte
		sawField  bool
	)

	for d.scanner.Scan() {
		line := d.scanner.Text()
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if !sawField {
				// Blank line between frames, nothing buffered yet.
				continue
			}
			return d.dispatch(id, eventType, data)
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			// Field with no value; skip.
			continue
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return model.Event{}, fmt.Errorf("stream: decode frame id %q: %w", value, err)
			}
			id = parsed
			sawField = true
		case "event":
			eventType = value
			sawField = true
		case "data":
			if len(data)+len(value) > d.maxFrame {
				return model.Event{}, fmt.Errorf("stream: frame payload exceeds %d bytes", d.maxFrame)
			}
			data = append(data, value...)
			sawField = true
		default:
			// Unknown field, skipped per protocol.
		}
	}

	if err := d.scanner.Err(); err != nil {
		return model.Event{}, fmt.Errorf("stream: read frame: %w", err)
	}
	if sawField {
		return model.Event{}, fmt.Errorf("stream: truncated frame: %w", io.ErrUnexpectedEOF)
	}
	return model.Event{}, io.EOF
}

func (d *Decoder) dispatch(id int64, eventType string, data []byte) (model.Event, error) {
	if len(data) == 0 {
		return model.Event{}, fmt.Errorf("stream: frame %d (%s) has no payload", id, eventType)
	}

	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.Event{}, fmt.Errorf("stream: decode %s event: %w", eventType, err)
	}
	if eventType != "" && string(ev.Type) != eventType {
		return model.Event{}, fmt.Errorf("stream: event tag %q does not match payload type %q", eventType, ev.Type)
	}
	if id != 0 {
		ev.Seq = id
	}
	return ev, nil
}

// ParsePayload converts the generic decoded payload of ev into its typed
// form based on the event type. Unknown event types return the payload
// unchanged.
func ParsePayload(ev model.Event) (any, error) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("stream: remarshal %s payload: %w", ev.Type, err)
	}

	var out any
	switch ev.Type {
	case model.EventStreamStart:
		out = &model.StreamStartPayload{}
	case model.EventInputStart:
		out = &model.InputStartPayload{}
	case model.EventInputDelta:
		out = &model.InputDeltaPayload{}
	case model.EventInputAvailable:
		out = &model.InputAvailablePayload{}
	case model.EventExecutionStart:
		out = &model.ExecutionStartPayload{}
	case model.EventExecutionProgress:
		out = &model.ExecutionProgressPayload{}
	case model.EventExecutionComplete:
		out = &model.ExecutionCompletePayload{}
	case model.EventError:
		out = &model.ErrorPayload{}
	case model.EventEnd:
		out = &model.EndPayload{}
	default:
		return ev.Payload, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("stream: decode %s payload: %w", ev.Type, err)
	}
	return out, nil
}
