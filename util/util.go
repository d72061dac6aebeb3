// Package util contains misc internal utilities.
package util

import (
	"math"
	"strconv"
	"strings"
)

// Limiter holds software limits on a value.  The zero value imposes no limit
type Limiter struct {
	Min float64 `json:"min" yaml:"Min"`
	Max float64 `json:"max" yaml:"Max"`
}

// Unlimited returns true if the limiter is the zero value
func (l Limiter) Unlimited() bool {
	return l.Min == 0 && l.Max == 0
}

// Check returns true if x is within the limits, inclusive
func (l Limiter) Check(x float64) bool {
	if math.IsNaN(x) {
		return false
	}
	if l.Unlimited() {
		return true
	}
	return x >= l.Min && x <= l.Max
}

// Clamp limits x to the limiter's range
func (l Limiter) Clamp(x float64) float64 {
	if l.Unlimited() {
		return x
	}
	return Clamp(x, l.Min, l.Max)
}

// Clamp limits input to [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// UniqueString returns the unique strings in the input, in order of first appearance
func UniqueString(input []string) []string {
	seen := make(map[string]struct{}, len(input))
	out := make([]string, 0, len(input))
	for _, s := range input {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// FloatSliceToCSV converts a slice of floats to CSV formatted data.
// e.g., []float64{1,2.5} => "1,2.5"
func FloatSliceToCSV(fs []float64) string {
	s := make([]string, len(fs))
	for i, v := range fs {
		s[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(s, ",")
}
