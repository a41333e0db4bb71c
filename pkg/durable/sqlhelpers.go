package durable

import (
	"encoding/json"
	"time"
)

// nullIfEmpty returns nil for an empty string so it is stored as SQL NULL
// rather than an empty-string value, matching the teacher's pattern of
// passing *string/pgtype zero values for optional columns.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
