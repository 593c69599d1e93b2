package analytics

import (
	"testing"
)

func TestFixedWindowAppliesPrimitiveToSubarrays(t *testing.T) {
	window := NewFixedWindow(3)
	data := []float64{1, 2, 3, 4}

	result := window.Apply(data, func(slice []float64) float64 {
		sum := 0.0
		for _, v := range slice {
			sum += v
		}
		return sum
	})

	expected := []float64{1, 3, 6, 9}
	if len(result) != len(expected) {
		t.Fatalf("Expected %d results, got %d", len(expected), len(result))
	}
	for i := range expected {
		if result[i] != expected[i] {
			t.Errorf("Index %d: expected %v, got %v", i, expected[i], result[i])
		}
	}

	if window.BurnIn() != 3 {
		t.Errorf("Expected burn-in 3, got %d", window.BurnIn())
	}
}

func TestFixedWindowClampsSize(t *testing.T) {
	window := NewFixedWindow(0)
	if window.BurnIn() != 1 {
		t.Errorf("Expected size clamped to 1, got %d", window.BurnIn())
	}
}

func TestFixedWindowEmptyData(t *testing.T) {
	window := NewFixedWindow(3)
	if len(window.Apply(nil, func([]float64) float64 { return 0 })) != 0 {
		t.Error("Expected empty output for empty input")
	}
}

func TestExponentialWindowProducesEMAChain(t *testing.T) {
	window := NewExponentialWindow(0.5, 5)
	data := []float64{10, 20, 40}

	result := window.Apply(data, func(previous *float64, value float64) float64 {
		return EMAStep(previous, value, 0.5)
	})

	if len(result) != len(data) {
		t.Fatalf("Expected %d results, got %d", len(data), len(result))
	}
	if !almostEqual(result[0], 10, 1e-12) {
		t.Errorf("Expected first output to equal first value, got %v", result[0])
	}
	if !almostEqual(result[1], 15, 1e-12) {
		t.Errorf("Expected 0.5*20 + 0.5*10 = 15, got %v", result[1])
	}
	if window.BurnIn() != 5 {
		t.Errorf("Expected burn-in 5, got %d", window.BurnIn())
	}
}

func TestExponentialWindowInvalidLambda(t *testing.T) {
	// Lambda is clamped to 0, which is outside (0, 1] and yields no output.
	window := NewExponentialWindow(-1, 5)
	result := window.Apply([]float64{1, 2}, func(previous *float64, value float64) float64 {
		return EMAStep(previous, value, 0.5)
	})
	if len(result) != 0 {
		t.Errorf("Expected empty output for invalid lambda, got %v", result)
	}
}
