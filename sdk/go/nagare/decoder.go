package nagare

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxFrameBytes caps a decoded frame's reassembled payload.
const maxFrameBytes = 1024 * 1024

// eventDecoder reads SSE frames from an execution stream. Multi-chunk
// payloads are reassembled by direct concatenation before parsing; comment
// lines (keepalives) and unknown fields are skipped.
type eventDecoder struct {
	scanner *bufio.Scanner
}

func newEventDecoder(r io.Reader) *eventDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	return &eventDecoder{scanner: scanner}
}

// next returns the next event on the stream. io.EOF signals a closed
// transport; clean termination is an end event followed by io.EOF.
func (d *eventDecoder) next() (Event, error) {
	var (
		id        int64
		eventType string
		data      []byte
		sawField  bool
	)

	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")

		if line == "" {
			if !sawField {
				continue
			}
			return decodeFrame(id, eventType, data)
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Event{}, fmt.Errorf("nagare: decode frame id %q: %w", value, err)
			}
			id = parsed
			sawField = true
		case "event":
			eventType = value
			sawField = true
		case "data":
			if len(data)+len(value) > maxFrameBytes {
				return Event{}, fmt.Errorf("nagare: frame payload exceeds %d bytes", maxFrameBytes)
			}
			data = append(data, value...)
			sawField = true
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("nagare: read frame: %w", err)
	}
	if sawField {
		return Event{}, fmt.Errorf("nagare: truncated frame: %w", io.ErrUnexpectedEOF)
	}
	return Event{}, io.EOF
}

func decodeFrame(id int64, eventType string, data []byte) (Event, error) {
	if len(data) == 0 {
		return Event{}, fmt.Errorf("nagare: frame %d (%s) has no payload", id, eventType)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("nagare: decode %s event: %w", eventType, err)
	}
	if eventType != "" && string(ev.Type) != eventType {
		return Event{}, fmt.Errorf("nagare: event tag %q does not match payload type %q", eventType, ev.Type)
	}
	if id != 0 {
		ev.Seq = id
	}
	return ev, nil
}

// ParsePayload converts the generic decoded payload of ev into its typed
// form based on the event type. Unknown event types return the payload
// unchanged.
func ParsePayload(ev Event) (any, error) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("nagare: remarshal %s payload: %w", ev.Type, err)
	}

	var out any
	switch ev.Type {
	case EventStreamStart:
		out = &StreamStartPayload{}
	case EventInputDelta:
		out = &InputDeltaPayload{}
	case EventInputAvailable:
		out = &InputAvailablePayload{}
	case EventExecutionStart:
		out = &ExecutionStartPayload{}
	case EventExecutionProgress:
		out = &ExecutionProgressPayload{}
	case EventExecutionComplete:
		out = &ExecutionCompletePayload{}
	case EventError:
		out = &ErrorPayload{}
	case EventEnd:
		out = &EndPayload{}
	default:
		return ev.Payload, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("nagare: decode %s payload: %w", ev.Type, err)
	}
	return out, nil
}
