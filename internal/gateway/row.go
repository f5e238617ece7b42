package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DateLayout is the storage format of calendar-day columns.
const DateLayout = "2006-01-02"

// TimestampLayout is the text form of timestamps. It is fixed width so that
// text ordering matches time ordering.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t in UTC with TimestampLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Row is one table row keyed by column name.
// Drivers disagree on scalar types (int64 vs float64, []byte vs string,
// 0/1 vs bool), so values are read through the typed accessors below.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the column as a string, or "" when absent or NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return Timestamp(v)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the column as an int64, or 0 when absent or not numeric.
func (r Row) Int(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string, []byte:
		n, err := strconv.ParseInt(r.String(col), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// Float returns the column as a float64, or 0 when absent or not numeric.
func (r Row) Float(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string, []byte:
		f, err := strconv.ParseFloat(r.String(col), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// Bool returns the column as a bool. SQLite stores booleans as 0/1.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case int64, int, int32, float64:
		return r.Int(col) != 0
	case string, []byte:
		b, err := strconv.ParseBool(r.String(col))
		return err == nil && b
	}
	return false
}

// Time parses the column as a timestamp. RFC 3339 and calendar-day values
// are accepted; anything else yields the zero time.
func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v.UTC()
	case string, []byte:
		s := r.String(col)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", DateLayout} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// Date returns a calendar-day column formatted as YYYY-MM-DD.
func (r Row) Date(col string) string {
	if t := r.Time(col); !t.IsZero() {
		return t.Format(DateLayout)
	}
	return r.String(col)
}

// JSON decodes a JSON column into dst. Columns may hold encoded text or an
// already decoded value (for example from a realtime payload).
func (r Row) JSON(col string, dst any) error {
	var data []byte
	switch v := r[col].(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding column %s: %w", col, err)
		}
		data = encoded
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding column %s: %w", col, err)
	}
	return nil
}

// Has reports whether the column is present and not NULL.
func (r Row) Has(col string) bool {
	v, ok := r[col]
	return ok && v != nil
}
