package a2a

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const signatureField = "signature"

// Canonicalize produces the signing string for a params object: the signature
// member is dropped, the remaining top-level members are sorted by key and the
// result is compact JSON. Nested values keep their received member order.
func Canonicalize(params []byte) ([]byte, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(params, &members); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	if members == nil {
		return nil, fmt.Errorf("canonicalize: params must be an object")
	}
	delete(members, signatureField)

	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(k); err != nil {
			return nil, err
		}
		// Encode terminates every value with a newline.
		buf.Truncate(buf.Len() - 1)
		buf.WriteByte(':')
		if err := json.Compact(&buf, members[k]); err != nil {
			return nil, fmt.Errorf("canonicalize %s: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
