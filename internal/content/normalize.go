// Package content implements the content-addressed, reference-counted payload store.
package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultVolatileKeys are response fields that change between identical fetches.
var DefaultVolatileKeys = []string{"fetched_at", "retrieved_at", "request_id", "timestamp", "generated_at"}

// Normalizer canonicalizes JSON payloads so byte-different but equivalent responses
// hash to the same content address.
type Normalizer struct {
	volatile map[string]struct{}
}

// NewNormalizer builds a Normalizer that drops the given keys at every depth.
// A nil slice uses DefaultVolatileKeys.
func NewNormalizer(volatileKeys []string) *Normalizer {
	if volatileKeys == nil {
		volatileKeys = DefaultVolatileKeys
	}
	set := make(map[string]struct{}, len(volatileKeys))
	for _, k := range volatileKeys {
		set[k] = struct{}{}
	}
	return &Normalizer{volatile: set}
}

// Normalize decodes payload, strips volatile keys and re-encodes it with sorted
// object keys. Payloads that are not a single JSON value are returned unchanged.
func (n *Normalizer) Normalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return payload, nil
	}
	if _, err := dec.Token(); err != io.EOF {
		return payload, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(n.strip(doc)); err != nil {
		return nil, fmt.Errorf("encode normalized payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (n *Normalizer) strip(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		for k, child := range typed {
			if _, drop := n.volatile[k]; drop {
				delete(typed, k)
				continue
			}
			typed[k] = n.strip(child)
		}
		return typed
	case []any:
		for i, child := range typed {
			typed[i] = n.strip(child)
		}
		return typed
	default:
		return v
	}
}
