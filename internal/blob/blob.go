// Package blob holds the JSON value type used for task payloads, results and
// step details. Values are encoded once at the write boundary and decoded on
// demand, so stores never parse them.
package blob

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON is an opaque, already-encoded JSON document.
type JSON []byte

// Encode marshals v into a JSON blob. A nil v yields an empty blob.
func Encode(v any) (JSON, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.(JSON); ok {
		return b, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}
	return JSON(data), nil
}

// MustEncode is Encode for values that are known to be serializable.
func MustEncode(v any) JSON {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode unmarshals the blob into v.
func (j JSON) Decode(v any) error {
	if j.IsEmpty() {
		return fmt.Errorf("decode blob: empty")
	}
	if err := json.Unmarshal(j, v); err != nil {
		return fmt.Errorf("decode blob: %w", err)
	}
	return nil
}

// EmptyObject is the JSON value {}
var EmptyObject = JSON("{}")

// OrEmptyObject returns j, or {} when j holds no value.
func (j JSON) OrEmptyObject() JSON {
	if j.IsEmpty() {
		return EmptyObject
	}
	return j
}

// IsEmpty reports whether the blob holds no value (nil, empty or JSON null).
func (j JSON) IsEmpty() bool {
	trimmed := bytes.TrimSpace(j)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// String returns the raw JSON text.
func (j JSON) String() string {
	return string(j)
}

// Value implements driver.Valuer. Empty blobs are stored as NULL.
func (j JSON) Value() (driver.Value, error) {
	if j.IsEmpty() {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("scan blob: unsupported type %T", src)
	}
	return nil
}

// MarshalJSON embeds the blob verbatim.
func (j JSON) MarshalJSON() ([]byte, error) {
	if j.IsEmpty() {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON keeps a copy of the raw document.
func (j *JSON) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*j = nil
		return nil
	}
	*j = append(JSON(nil), data...)
	return nil
}
