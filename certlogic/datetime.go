package certlogic

import (
	"fmt"
	"time"
)

// TimeUnit is the unit argument of a plusTime operation.
type TimeUnit string

const (
	UnitDay  TimeUnit = "day"
	UnitHour TimeUnit = "hour"
)

func validTimeUnit(s string) bool {
	return s == string(UnitDay) || s == string(UnitHour)
}

// DateTime is the date/time value type of the rule language, produced by
// plusTime and comparable with the ordering operators.
type DateTime struct {
	t time.Time
}

func (d DateTime) Time() time.Time { return d.t }

func (d DateTime) String() string { return d.t.Format(time.RFC3339) }

func (d DateTime) Equal(o DateTime) bool { return d.t.Equal(o.t) }

// Compare returns -1, 0 or 1 depending on the ordering of d and o.
func (d DateTime) Compare(o DateTime) int {
	switch {
	case d.t.Before(o.t):
		return -1
	case d.t.After(o.t):
		return 1
	default:
		return 0
	}
}

// Plus adds amount units to the date.
func (d DateTime) Plus(amount int64, unit TimeUnit) DateTime {
	switch unit {
	case UnitDay:
		return DateTime{t: d.t.AddDate(0, 0, int(amount))}
	case UnitHour:
		return DateTime{t: d.t.Add(time.Duration(amount) * time.Hour)}
	default:
		return d
	}
}

// Rule dates appear both as full ISO-8601 timestamps (with or without an UTC
// offset) and as bare dates. Offset-less forms are interpreted as UTC.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDateTime parses an ISO-8601 date or datetime string.
func ParseDateTime(s string) (DateTime, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateTime{t: t}, nil
		}
	}
	return DateTime{}, fmt.Errorf("not an ISO-8601 date/datetime: %q", s)
}

// Date wraps an already-parsed time as a rule-language date value.
func Date(t time.Time) DateTime { return DateTime{t: t} }
