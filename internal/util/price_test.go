package util

import (
	"math"
	"testing"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{
			name:     "basic rounding down",
			x:        1.2345,
			tick:     0.01,
			expected: 1.23,
		},
		{
			name:     "tie rounds away from zero",
			x:        1.235,
			tick:     0.01,
			expected: 1.24,
		},
		{
			name:     "negative tie rounds away from zero",
			x:        -1.235,
			tick:     0.01,
			expected: -1.24,
		},
		{
			name:     "option premium tick",
			x:        0.01234,
			tick:     0.0005,
			expected: 0.0125,
		},
		{
			name:     "exact multiple",
			x:        1.25,
			tick:     0.05,
			expected: 1.25,
		},
		{
			name:     "zero tick returns input",
			x:        1.2345,
			tick:     0,
			expected: 1.2345,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToTick(tt.x, tt.tick)
			if math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.expected)
			}
		})
	}
}

func TestRoundDownToStep(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		step     float64
		expected float64
	}{
		{"whole contracts", 10, 0.1, 10},
		{"truncates toward zero", 1.29, 0.1, 1.2},
		{"negative keeps sign", -1.29, 0.1, -1.2},
		{"float noise does not lose a step", 0.3, 0.1, 0.3},
		{"below one step is zero", 0.05, 0.1, 0},
		{"zero step returns input", 1.29, 0, 1.29},
		{"NaN is zero", math.NaN(), 0.1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundDownToStep(tt.x, tt.step)
			if math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("RoundDownToStep(%v, %v) = %v, want %v", tt.x, tt.step, got, tt.expected)
			}
		})
	}
}
