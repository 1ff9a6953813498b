// ABOUTME: SSE wire encoding for normalized events.
// ABOUTME: Pure functions, no state; one frame per named event.

package events

import (
	"encoding/json"
	"fmt"
)

// Encoded is a fully framed SSE event ready to be written to a stream.
type Encoded []byte

// Encode serializes a payload into the SSE framing used on the wire:
//
//	event: <name>\n
//	data: <json>\n\n
func Encode(name string, payload any) (Encoded, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", name, err)
	}
	return Encoded(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)), nil
}
