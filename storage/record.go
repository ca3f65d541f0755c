package storage

import (
	"encoding/json"
	"fmt"
)

// Record is a stored payload together with its optimistic-concurrency version.
type Record struct {
	Ver     int    `json:"ver"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// recordFormat is the only payload format currently written.
const recordFormat = 1

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Ver:     r.Ver,
		Data:    append([]byte(nil), r.Data...),
		Version: r.Version,
	}
}

// EncodeJSON marshals v into a Record carrying the given version.
func EncodeJSON(v any, version uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{Ver: recordFormat, Data: data, Version: version}, nil
}

// DecodeJSON unmarshals the payload of rec into v.
func DecodeJSON(rec *Record, v any) error {
	if rec.Ver != recordFormat {
		return fmt.Errorf("unsupported record format: %d", rec.Ver)
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
