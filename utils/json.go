package utils

import "encoding/json"

// IsJsonString reports whether s holds a single JSON object. Arrays,
// primitives and the literal null are rejected.
//
// Parameters:
//   - s: The string to validate
//
// Returns:
//   - true if s is a JSON object, false otherwise
func IsJsonString(s string) bool {
	var js map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &js) == nil && js != nil
}

// SetJsonField sets key to the JSON encoding of value inside the object s
// and returns the re-encoded object. Other fields are kept untouched.
//
// Parameters:
//   - s: A JSON object
//   - key: The field to set
//   - value: Any value encodable by encoding/json
//
// Returns:
//   - The updated object
//   - false if s is not a JSON object or value cannot be encoded
func SetJsonField(s, key string, value any) (string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil || fields == nil {
		return "", false
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return "", false
	}

	fields[key] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return "", false
	}

	return string(out), true
}
