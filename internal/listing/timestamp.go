// Package listing normalizes room listings for the document list view.
package listing

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// secondsCutoff separates second-precision integers from millisecond ones.
const secondsCutoff = 1_000_000_000_000

type timestampKind int

const (
	kindMissing timestampKind = iota
	kindTime
	kindNumber
	kindText
	kindSeconds
	kindUnknown
)

// Timestamp is a creation time exactly as the store handed it over. Legacy
// rows carry ISO strings, bare integers or {seconds, nanoseconds} pairs.
type Timestamp struct {
	kind    timestampKind
	time    time.Time
	number  float64
	text    string
	seconds float64
	nanos   float64
}

func FromTime(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{kind: kindTime, time: t}
}

func FromNumber(n float64) Timestamp {
	return Timestamp{kind: kindNumber, number: n}
}

func FromText(s string) Timestamp {
	return Timestamp{kind: kindText, text: s}
}

func FromSecondsNanos(seconds, nanos float64) Timestamp {
	return Timestamp{kind: kindSeconds, seconds: seconds, nanos: nanos}
}

// ParseJSON decodes a raw JSON value. Shapes it does not recognise produce a
// timestamp without a value rather than an error.
func ParseJSON(raw []byte) Timestamp {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Timestamp{}
	}

	var value any
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(&value); err != nil {
		return Timestamp{kind: kindUnknown}
	}

	switch v := value.(type) {
	case string:
		return FromText(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return Timestamp{kind: kindUnknown}
		}
		return FromNumber(n)
	case map[string]any:
		seconds, ok := numberField(v, "seconds")
		if !ok {
			return Timestamp{kind: kindUnknown}
		}
		nanos, _ := numberField(v, "nanoseconds")
		return FromSecondsNanos(seconds, nanos)
	default:
		return Timestamp{kind: kindUnknown}
	}
}

func numberField(fields map[string]any, key string) (float64, bool) {
	raw, ok := fields[key]
	if !ok {
		return 0, false
	}
	number, ok := raw.(json.Number)
	if !ok {
		return 0, false
	}
	n, err := number.Float64()
	if err != nil {
		return 0, false
	}
	return n, true
}

var textLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Millis converts any representation to Unix milliseconds. ok is false when
// the value is missing or cannot be parsed.
func (t Timestamp) Millis() (int64, bool) {
	switch t.kind {
	case kindTime:
		return t.time.UnixMilli(), true
	case kindNumber:
		if math.IsNaN(t.number) || math.IsInf(t.number, 0) {
			return 0, false
		}
		if t.number < secondsCutoff {
			return int64(math.Floor(t.number * 1000)), true
		}
		return int64(math.Floor(t.number)), true
	case kindSeconds:
		return int64(math.Floor(t.seconds*1000 + math.Floor(t.nanos/1_000_000))), true
	case kindText:
		value := strings.TrimSpace(t.text)
		for _, layout := range textLayouts {
			if parsed, err := time.Parse(layout, value); err == nil {
				return parsed.UnixMilli(), true
			}
		}
		return 0, false
	default:
		return 0, false
	}
}

// SortKey is the value used for ordering; unknown times count as zero.
func (t Timestamp) SortKey() int64 {
	ms, ok := t.Millis()
	if !ok {
		return 0
	}
	return ms
}

// MillisPtr is Millis as a nullable value for JSON responses.
func (t Timestamp) MillisPtr() *int64 {
	ms, ok := t.Millis()
	if !ok {
		return nil
	}
	return &ms
}
