package store

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// RetentionPolicy describes an InfluxDB retention policy.
type RetentionPolicy struct {
	Name string
	// Duration is how long data is kept. Zero keeps it forever.
	Duration      time.Duration
	ShardDuration time.Duration
	// Replication defaults to 1.
	Replication int
	Default     bool
}

// Statement renders the CREATE RETENTION POLICY statement for database.
func (rp RetentionPolicy) Statement(database string) (string, error) {
	if rp.Name == "" {
		return "", errors.New("retention policy: name is required")
	}
	if database == "" {
		return "", errors.New("retention policy: database is required")
	}
	if rp.Duration < 0 || rp.ShardDuration < 0 {
		return "", errors.New("retention policy: durations must not be negative")
	}
	replication := rp.Replication
	if replication <= 0 {
		replication = 1
	}

	var b strings.Builder
	b.WriteString("CREATE RETENTION POLICY ")
	b.WriteString(quoteIdent(rp.Name))
	b.WriteString(" ON ")
	b.WriteString(quoteIdent(database))
	b.WriteString(" DURATION ")
	b.WriteString(durationLiteral(rp.Duration))
	b.WriteString(" REPLICATION ")
	b.WriteString(strconv.Itoa(replication))
	if rp.ShardDuration > 0 {
		b.WriteString(" SHARD DURATION ")
		b.WriteString(durationLiteral(rp.ShardDuration))
	}
	if rp.Default {
		b.WriteString(" DEFAULT")
	}
	return b.String(), nil
}

var durationUnits = []struct {
	unit string
	d    time.Duration
}{
	{"w", 7 * 24 * time.Hour},
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
	{"u", time.Microsecond},
	{"ns", time.Nanosecond},
}

// durationLiteral formats d in the largest InfluxQL unit that divides it exactly.
func durationLiteral(d time.Duration) string {
	if d == 0 {
		return "INF"
	}
	for _, u := range durationUnits {
		if d%u.d == 0 {
			return strconv.FormatInt(int64(d/u.d), 10) + u.unit
		}
	}
	return strconv.FormatInt(int64(d), 10) + "ns"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(name, `\`, `\\`), `"`, `\"`) + `"`
}
