package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Length is an extent on the axis as a caller writes it: an integer in axis
// units, or on the datetime axis a duration such as "90m" or "1h30m".
type Length string

// UnmarshalJSON accepts a JSON number or string.
func (l *Length) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = Length(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: length must be a number or a duration string", ErrInvalidOptions)
	}
	*l = Length(n)
	return nil
}

// Resolve converts l to axis units. Durations are only meaningful on the
// datetime axis, where they become nanoseconds.
func (l Length) Resolve(axis Axis) (int64, error) {
	s := strings.TrimSpace(string(l))
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return 0, fmt.Errorf("%w: length %q must be a whole number of axis units", ErrInvalidOptions, s)
	}
	if axis != AxisTime {
		return 0, fmt.Errorf("%w: duration %q needs the datetime axis", ErrInvalidOptions, s)
	}
	d, err := cast.ToDurationE(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid duration %q", ErrInvalidOptions, s)
	}
	return int64(d), nil
}
