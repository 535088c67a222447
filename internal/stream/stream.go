// Package stream implements the push-protocol codec for execution events:
// SSE frames with a monotonic per-execution message id, an event-type tag,
// and a JSON payload split across data lines when it exceeds the chunk
// threshold.
//
// Frame layout:
//
//	id: <monotonic message id>
//	event: <event-type tag>
//	data: <JSON payload chunk>
//	data: <JSON payload chunk>     (only for payloads over the threshold)
//	<blank line>
//
// JSON payloads are single-line, so the decoder reconstructs multi-chunk
// payloads by direct concatenation.
package stream

const (
	// DefaultChunkBytes is the payload size above which a frame's data is
	// split across multiple data lines.
	DefaultChunkBytes = 16 * 1024

	// MaxFrameBytes caps a decoded frame's reassembled payload.
	MaxFrameBytes = 1024 * 1024
)
