package util_test

import (
	"testing"

	"github.com/navlab/ratetable/util"
)

func TestLimiterContains(t *testing.T) {
	l := util.Limiter{Min: -30, Max: 50}
	cases := []struct {
		v    float64
		want bool
	}{
		{-30, true},
		{50, true},
		{0, true},
		{-30.001, false},
		{50.001, false},
	}
	for _, tc := range cases {
		if got := l.Contains(tc.v); got != tc.want {
			t.Errorf("Contains(%v) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestLimiterClamp(t *testing.T) {
	l := util.Limiter{Min: -1, Max: 1}
	if got := l.Clamp(-5); got != -1 {
		t.Errorf("Clamp(-5) = %v", got)
	}
	if got := l.Clamp(5); got != 1 {
		t.Errorf("Clamp(5) = %v", got)
	}
	if got := l.Clamp(0.5); got != 0.5 {
		t.Errorf("Clamp(0.5) = %v", got)
	}
}
