package soap

import (
	"fmt"
	"strconv"
	"time"
)

// Sentinel years the remote system uses in place of "no date": a
// far-past placeholder and a far-future placeholder.
const (
	farPastYear   = 1
	farFutureYear = 5000
)

// Date is a date-only value, rendered without a time component.
type Date time.Time

// Time returns the underlying time value.
func (d Date) Time() time.Time { return time.Time(d) }

// Codec owns the scalar serialization policy. The sentinel-to-null
// normalization is on by default and toggleable per sentinel.
type Codec struct {
	NullifyFarPast   bool
	NullifyFarFuture bool
}

// DefaultCodec returns the codec with both sentinel normalizations
// enabled.
func DefaultCodec() *Codec {
	return &Codec{NullifyFarPast: true, NullifyFarFuture: true}
}

// Encode renders a scalar value for the wire. The second return is true
// when the value normalizes to "absent" and the element must be
// omitted.
func (c *Codec) Encode(v any) (string, bool, error) {
	switch val := v.(type) {
	case nil:
		return "", true, nil
	case string:
		return val, false, nil
	case bool:
		return strconv.FormatBool(val), false, nil
	case int:
		return strconv.Itoa(val), false, nil
	case int32:
		return strconv.FormatInt(int64(val), 10), false, nil
	case int64:
		return strconv.FormatInt(val, 10), false, nil
	case float32:
		return formatFloat(float64(val)), false, nil
	case float64:
		return formatFloat(val), false, nil
	case Date:
		t := val.Time()
		if c.sentinel(t) {
			return "", true, nil
		}
		return t.Format(time.DateOnly), false, nil
	case time.Time:
		if c.sentinel(val) {
			return "", true, nil
		}
		return val.Format(time.RFC3339), false, nil
	case fmt.Stringer:
		return val.String(), false, nil
	default:
		return "", false, fmt.Errorf("unsupported payload value type %T", v)
	}
}

// sentinel reports whether the timestamp carries a placeholder year
// whose normalization is enabled.
func (c *Codec) sentinel(t time.Time) bool {
	switch t.Year() {
	case farPastYear:
		return c.NullifyFarPast
	case farFutureYear:
		return c.NullifyFarFuture
	default:
		return false
	}
}

// formatFloat renders in fixed (non-exponential) notation with the
// shortest representation that round-trips, so values survive the XML
// numeric form without loss.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
