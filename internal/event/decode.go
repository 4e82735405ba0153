package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode parses an event from JSON, preserving numeric payload literals via
// json.Number. Hash recomputation is only sound when payload numbers survive
// the round trip byte-exact, which float64 decoding does not guarantee.
func Decode(data []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var e Event
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	return &e, nil
}
