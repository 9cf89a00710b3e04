package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC message ID: a string or a number, as supplied by
// the caller. The zero value marshals as JSON null.
type RequestID struct {
	value any
}

// NewRequestID wraps a string or numeric value as a request ID. Unsupported
// types yield the null ID.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{value: v}
	case int:
		return &RequestID{value: int64(v)}
	case int32:
		return &RequestID{value: int64(v)}
	case int64:
		return &RequestID{value: v}
	case float64:
		if v == float64(int64(v)) {
			return &RequestID{value: int64(v)}
		}
		return &RequestID{value: v}
	default:
		return &RequestID{value: nil}
	}
}

// String renders the ID for logs and error messages.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}

	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		panic("unreachable: RequestID contains unsupported type")
	}
}

// Key returns a canonical form usable as a map key. String and numeric IDs
// with the same rendering never collide: the string "2" and the number 2 are
// distinct requests on the wire and stay distinct here.
func (id *RequestID) Key() string {
	if id.IsNil() {
		return ""
	}

	switch v := id.value.(type) {
	case string:
		return "s:" + v
	case int64:
		return "n:" + strconv.FormatInt(v, 10)
	case float64:
		return "n:" + strconv.FormatFloat(v, 'g', -1, 64)
	default:
		panic("unreachable: RequestID contains unsupported type")
	}
}

// Value returns the underlying string, int64, or float64.
func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

// IsNil reports whether the ID is absent or null.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// MarshalJSON implements json.Marshaler.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		// Integral IDs normalize to int64 so 2 and 2.0 compare equal.
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	if string(data) == "null" {
		id.value = nil
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
