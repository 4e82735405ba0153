package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes v deterministically: object keys sorted at every
// depth, HTML escaping off, numbers preserved as their literal source text.
// Two logically identical values always encode to identical bytes, which is
// what makes recomputed chain hashes comparable across components.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("event: canonical marshal: %w", err)
	}

	// Round-trip through an untyped decode with UseNumber so struct field
	// order is erased (encoding/json sorts map keys) and floats are not
	// re-rendered.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("event: canonical decode: %w", err)
	}

	out, err := marshalNoEscape(decoded)
	if err != nil {
		return nil, fmt.Errorf("event: canonical re-encode: %w", err)
	}
	return bytes.TrimSpace(out), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
