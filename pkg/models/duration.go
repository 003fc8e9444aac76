package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration encoded as integer milliseconds at the JSON edge.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Milliseconds())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)

		return nil
	}

	// Accept Go duration strings ("90s", "5m") for hand-written seed files.
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// Millis converts a list of durations to milliseconds.
func Millis(durations []Duration) []int64 {
	out := make([]int64, len(durations))
	for i, d := range durations {
		out[i] = time.Duration(d).Milliseconds()
	}

	return out
}

// FromMillis converts a list of millisecond values to durations.
func FromMillis(values []int64) []Duration {
	out := make([]Duration, len(values))
	for i, v := range values {
		out[i] = Duration(time.Duration(v) * time.Millisecond)
	}

	return out
}
