// Package utils holds small generic helpers shared by the chat packages:
// pointer construction for optional JSON fields and JSON object checks.
package utils

// Pointer returns a pointer to a copy of value. Optional fields of wire
// payloads are pointers so that omitempty drops them when unset.
//
// Parameters:
//   - value: The value to take the address of
//
// Returns:
//   - A pointer to a copy of value
func Pointer[T any](value T) *T {
	return &value
}
