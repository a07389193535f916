package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Blob is an opaque JSON document stored as text. The ledger never interprets it.
type Blob json.RawMessage

// Scan implements sql.Scanner interface
func (b *Blob) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*b = nil
	case []byte:
		*b = append((*b)[:0], v...)
	case string:
		*b = Blob(v)
	default:
		return fmt.Errorf("failed to scan Blob: unsupported type %T", value)
	}
	return nil
}

// Value implements driver.Valuer interface
func (b Blob) Value() (driver.Value, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return string(b), nil
}

// MarshalJSON emits the stored document as-is, or null when empty.
func (b Blob) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(b).MarshalJSON()
}

// UnmarshalJSON keeps a copy of the raw document.
func (b *Blob) UnmarshalJSON(data []byte) error {
	*b = append((*b)[:0], data...)
	return nil
}
