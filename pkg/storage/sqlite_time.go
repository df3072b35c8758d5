package storage

import "time"

// ParseSQLiteTime parses a timestamp string as returned by SQLite's
// CURRENT_TIMESTAMP column default, falling back to RFC3339 for values
// written by Go callers directly.
func ParseSQLiteTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
