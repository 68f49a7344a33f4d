package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cawhq/caw/internal/model"
)

// NullString converts an optional string field to its sql.NullString
// column representation.
func NullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

// PtrString converts a nullable TEXT column back to an optional field.
func PtrString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// NullTime converts an optional timestamp field to its sql.NullTime
// column representation, written as text by the driver.
func NullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

// PtrTime converts a nullable timestamp column back to an optional field.
func PtrTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

// NullInt converts an optional int field to its sql.NullInt64 column
// representation.
func NullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// PtrInt converts a nullable integer column back to an optional field.
func PtrInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// EncodeJSONMap serializes a free-form object field for storage as
// TEXT (spec §9 "Dynamic object fields"). A nil map encodes as "{}".
func EncodeJSONMap(m model.JSONMap) (string, error) {
	if m == nil {
		m = model.JSONMap{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("store: encoding json map: %w", err)
	}
	return string(b), nil
}

// DecodeJSONMap deserializes a stored TEXT column back into a
// model.JSONMap. Empty input decodes as an empty, non-nil map.
func DecodeJSONMap(s string) (model.JSONMap, error) {
	if s == "" {
		return model.JSONMap{}, nil
	}
	var m model.JSONMap
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("store: decoding json map: %w", err)
	}
	if m == nil {
		m = model.JSONMap{}
	}
	return m, nil
}

// EncodeStringList serializes a free-form string array field. A nil
// slice encodes as "[]".
func EncodeStringList(l model.StringList) (string, error) {
	if l == nil {
		l = model.StringList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("store: encoding string list: %w", err)
	}
	return string(b), nil
}

// DecodeStringList deserializes a stored TEXT column back into a
// model.StringList. Empty input decodes as an empty, non-nil slice.
func DecodeStringList(s string) (model.StringList, error) {
	if s == "" {
		return model.StringList{}, nil
	}
	var l model.StringList
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		return nil, fmt.Errorf("store: decoding string list: %w", err)
	}
	if l == nil {
		l = model.StringList{}
	}
	return l, nil
}
