package relstore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/memoryforge/memoryd/internal/model"
)

// scopeJSON adapts model.Scope to database/sql's Valuer/Scanner so it can
// be stored as a JSONB column.
type scopeJSON model.Scope

func (s scopeJSON) Value() (driver.Value, error) {
	return json.Marshal(model.Scope(s))
}

func (s *scopeJSON) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		if str, ok := src.(string); ok {
			b = []byte(str)
		} else {
			return fmt.Errorf("scopeJSON: unsupported scan source %T", src)
		}
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*s = scopeJSON(m)
	return nil
}

// jsonColumn adapts an arbitrary JSON-serializable value (job payloads,
// job results) to a JSONB column.
type jsonColumn struct {
	dst any
}

func (j jsonColumn) Value() (driver.Value, error) {
	if j.dst == nil {
		return nil, nil
	}
	return json.Marshal(j.dst)
}
