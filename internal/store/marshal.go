package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

// encodeValue converts an IRValue to canonical JSON TEXT.
func encodeValue(v ir.IRValue) (string, error) {
	data, err := ir.MarshalIRValue(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(data), nil
}

// encodeNullable encodes v, or SQL NULL when present is false.
func encodeNullable(v ir.IRValue, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	s, err := encodeValue(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func decodeValue(s string) (ir.IRValue, error) {
	v, err := ir.UnmarshalIRValue([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// decodeNullable returns nil for SQL NULL.
func decodeNullable(ns sql.NullString) (ir.IRValue, error) {
	if !ns.Valid {
		return nil, nil
	}
	return decodeValue(ns.String)
}

// toMillis stores zero times as 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
