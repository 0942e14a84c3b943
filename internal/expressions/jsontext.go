package expressions

import (
	"bytes"
	"encoding/json"
)

// CompactJSON encodes v as compact JSON without HTML escaping, so '<', '>'
// and '&' stay literal in handler payloads and rendered text.
func CompactJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
