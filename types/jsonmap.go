package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a map persisted as a JSON column. It is the carrier for run
// inputs/outputs, step config, and step outputs.
type JSONMap map[string]any

// Value implements driver.Valuer for GORM.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for GORM.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported json map source type %T", value)
	}

	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Clone returns a shallow copy of the map.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
