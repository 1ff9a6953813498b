// ABOUTME: SSE stream decoder for the relay's event-stream responses.
// ABOUTME: Yields named frames with raw JSON payloads in arrival order.

package client

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one decoded server-sent event.
type Frame struct {
	Event string
	Data  []byte
}

// StreamReader incrementally decodes an SSE byte stream.
type StreamReader struct {
	scanner *bufio.Scanner
}

// NewStreamReader wraps an event-stream body.
func NewStreamReader(r io.Reader) *StreamReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &StreamReader{scanner: scanner}
}

// Next returns the next complete frame, or io.EOF when the stream ends.
// Comment lines and unknown fields are skipped per the SSE format.
func (sr *StreamReader) Next() (Frame, error) {
	var frame Frame
	var sawData bool

	for sr.scanner.Scan() {
		line := sr.scanner.Text()

		if line == "" {
			if sawData || frame.Event != "" {
				return frame, nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event: "):
			frame.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if sawData {
				frame.Data = append(frame.Data, '\n')
			}
			frame.Data = append(frame.Data, strings.TrimPrefix(line, "data: ")...)
			sawData = true
		}
	}

	if err := sr.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if sawData || frame.Event != "" {
		return frame, nil
	}
	return Frame{}, io.EOF
}
