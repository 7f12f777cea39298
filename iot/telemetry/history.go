package telemetry

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Bucket is the width of a history aggregation bucket
type Bucket string

// the supported bucket widths
const (
	BucketMinute Bucket = "minute"
	BucketHour   Bucket = "hour"
	BucketDay    Bucket = "day"
)

// ParseBucket parses a bucket width. The empty string selects hours.
func ParseBucket(s string) (Bucket, error) {
	switch Bucket(s) {
	case "":
		return BucketHour, nil
	case BucketMinute, BucketHour, BucketDay:
		return Bucket(s), nil
	}
	return "", fmt.Errorf("invalid bucket '%s': must be minute, hour or day", s)
}

// Truncate returns the start of the bucket containing t, in UTC
func (b Bucket) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch b {
	case BucketMinute:
		return t.Truncate(time.Minute)
	case BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour)
	}
}

// HistoryPoint is one aggregated bucket of readings
type HistoryPoint struct {
	Bucket  time.Time `json:"bucket"`
	Count   int       `json:"count"`
	Average *float64  `json:"average,omitempty"`
}

type accumulator struct {
	count   int
	sum     float64
	samples int
}

// Aggregate groups records into buckets, ordered ascending by bucket. The average is
// taken over the temperature values found in the payloads, see Temperatures.
func Aggregate(records []Record, bucket Bucket) []HistoryPoint {
	buckets := map[time.Time]*accumulator{}
	for _, r := range records {
		key := bucket.Truncate(r.CreatedAt)
		acc, ok := buckets[key]
		if !ok {
			acc = &accumulator{}
			buckets[key] = acc
		}
		acc.count++
		for _, v := range Temperatures(r.Payload) {
			acc.sum += v
			acc.samples++
		}
	}

	points := make([]HistoryPoint, 0, len(buckets))
	for key, acc := range buckets {
		point := HistoryPoint{Bucket: key, Count: acc.count}
		if acc.samples > 0 {
			avg := acc.sum / float64(acc.samples)
			point.Average = &avg
		}
		points = append(points, point)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Bucket.Before(points[j].Bucket) })
	return points
}

type temperatureValue struct {
	Temperature json.RawMessage `json:"temperature"`
	Temp        json.RawMessage `json:"temp"`
}

func (v *temperatureValue) value() (float64, bool) {
	if f, ok := number(v.Temperature); ok {
		return f, true
	}
	return number(v.Temp)
}

type temperaturePayload struct {
	temperatureValue
	Readings json.RawMessage `json:"readings"`
}

// Temperatures extracts the temperature values of a payload. It understands a top level
// "temperature" or "temp" field and the elements of the buffered "readings" array sent
// by the simulator. Values may be numbers or numeric strings.
func Temperatures(payload json.RawMessage) []float64 {
	var p temperaturePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	var result []float64
	if v, ok := p.value(); ok {
		result = append(result, v)
	}
	// elements that are not objects, or a readings field that is not an array, are ignored
	var readings []json.RawMessage
	if err := json.Unmarshal(p.Readings, &readings); err != nil {
		return result
	}
	for _, raw := range readings {
		var r temperatureValue
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if v, ok := r.value(); ok {
			result = append(result, v)
		}
	}
	return result
}

func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
