package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// Tags is the ordered list of an event's tag arrays, stored as jsonb
type Tags [][]string

func (self Tags) Value() (driver.Value, error) {
	if self == nil {
		return "[]", nil
	}
	out, err := json.Marshal(self)
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

func (self *Tags) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, self)
	case string:
		return json.Unmarshal([]byte(v), self)
	case nil:
		*self = nil
		return nil
	default:
		return fmt.Errorf("unsupported type for tags: %T", value)
	}
}

// Document is an opaque JSON document, stored as jsonb
type Document json.RawMessage

func (self Document) Value() (driver.Value, error) {
	if len(self) == 0 {
		return nil, nil
	}
	if !json.Valid(self) {
		return nil, errors.New("document is not valid json")
	}
	return string(self), nil
}

func (self *Document) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		*self = append((*self)[0:0], v...)
		return nil
	case string:
		*self = Document(v)
		return nil
	case nil:
		*self = nil
		return nil
	default:
		return fmt.Errorf("unsupported type for document: %T", value)
	}
}

func (self Document) MarshalJSON() ([]byte, error) {
	if len(self) == 0 {
		return []byte("null"), nil
	}
	return self, nil
}

func (self *Document) UnmarshalJSON(data []byte) error {
	*self = append((*self)[0:0], data...)
	return nil
}
