// Package util contains misc internal utilities.
package util

// Limiter is an inclusive range of allowed values.  The zero value is
// treated as "no limit" by consumers.
type Limiter struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within the limits
func (l Limiter) Contains(v float64) bool {
	return v >= l.Min && v <= l.Max
}

// Clamp returns v constrained to the limits
func (l Limiter) Clamp(v float64) float64 {
	if v < l.Min {
		return l.Min
	}
	if v > l.Max {
		return l.Max
	}
	return v
}
