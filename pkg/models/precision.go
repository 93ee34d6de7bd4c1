package models

import (
	"fmt"
	"strings"
	"time"
)

// Precision is the unit of a wire timestamp.
// The zero value is PrecisionUnset; queries issued with it get RFC3339 time strings back.
type Precision uint8

const (
	PrecisionUnset Precision = iota
	Nanosecond
	Microsecond
	Millisecond
	Second
)

func (p Precision) String() string {
	switch p {
	case Nanosecond:
		return "ns"
	case Microsecond:
		return "us"
	case Millisecond:
		return "ms"
	case Second:
		return "s"
	default:
		return ""
	}
}

// Duration returns the length of one tick, or 0 for PrecisionUnset.
func (p Precision) Duration() time.Duration {
	switch p {
	case Nanosecond:
		return time.Nanosecond
	case Microsecond:
		return time.Microsecond
	case Millisecond:
		return time.Millisecond
	case Second:
		return time.Second
	default:
		return 0
	}
}

// FromTime converts t into an epoch value in this precision (truncating).
// PrecisionUnset is treated as nanoseconds.
func (p Precision) FromTime(t time.Time) int64 {
	switch p {
	case Microsecond:
		return t.UnixMicro()
	case Millisecond:
		return t.UnixMilli()
	case Second:
		return t.Unix()
	default:
		return t.UnixNano()
	}
}

// ToTime converts an epoch value in this precision into a UTC time.
func (p Precision) ToTime(v int64) time.Time {
	switch p {
	case Microsecond:
		return time.UnixMicro(v).UTC()
	case Millisecond:
		return time.UnixMilli(v).UTC()
	case Second:
		return time.Unix(v, 0).UTC()
	default:
		return time.Unix(0, v).UTC()
	}
}

// Convert rescales an epoch value from precision p into precision to.
func (p Precision) Convert(v int64, to Precision) int64 {
	from, dst := p.Duration(), to.Duration()
	if from == 0 {
		from = time.Nanosecond
	}
	if dst == 0 {
		dst = time.Nanosecond
	}
	switch {
	case from == dst:
		return v
	case from > dst:
		return v * int64(from/dst)
	default:
		return v / int64(dst/from)
	}
}

// ParsePrecision accepts the InfluxDB short names (ns, us, ms, s) plus a few long forms.
// An empty string yields PrecisionUnset.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PrecisionUnset, nil
	case "ns", "n", "nanosecond", "nanoseconds":
		return Nanosecond, nil
	case "us", "u", "µs", "microsecond", "microseconds":
		return Microsecond, nil
	case "ms", "millisecond", "milliseconds":
		return Millisecond, nil
	case "s", "second", "seconds":
		return Second, nil
	default:
		return PrecisionUnset, fmt.Errorf("unknown time precision %q (use ns, us, ms or s)", s)
	}
}
