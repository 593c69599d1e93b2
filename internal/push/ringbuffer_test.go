package push

import (
	"testing"
)

func TestRingBufferCreation(t *testing.T) {
	buffer, err := NewRingBuffer(10)
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}

	if buffer.Capacity() != 10 {
		t.Errorf("Expected capacity 10, got %d", buffer.Capacity())
	}
	if buffer.Len() != 0 || !buffer.IsEmpty() || buffer.IsFull() {
		t.Error("Expected fresh buffer to be empty")
	}
}

func TestRingBufferZeroCapacityRejected(t *testing.T) {
	if _, err := NewRingBuffer(0); err != ErrZeroCapacity {
		t.Errorf("Expected ErrZeroCapacity, got %v", err)
	}
	if _, err := NewRingBuffer(-3); err != ErrZeroCapacity {
		t.Errorf("Expected ErrZeroCapacity, got %v", err)
	}
}

func TestRingBufferWraparound(t *testing.T) {
	buffer, _ := NewRingBuffer(3)

	buffer.Push(1)
	buffer.Push(2)
	buffer.Push(3)

	if !buffer.IsFull() {
		t.Error("Expected full buffer")
	}
	assertSlice(t, buffer.Slice(), []float64{1, 2, 3})

	buffer.Push(4)
	if buffer.Len() != 3 {
		t.Errorf("Expected length to stay 3, got %d", buffer.Len())
	}
	assertSlice(t, buffer.Slice(), []float64{2, 3, 4})

	buffer.Push(5)
	assertSlice(t, buffer.Slice(), []float64{3, 4, 5})
}

func TestRingBufferPartialFill(t *testing.T) {
	buffer, _ := NewRingBuffer(5)

	buffer.Push(10)
	buffer.Push(20)

	if buffer.Len() != 2 || buffer.IsFull() {
		t.Error("Expected partially filled buffer")
	}
	assertSlice(t, buffer.Slice(), []float64{10, 20})
}

func TestRingBufferMinProperty(t *testing.T) {
	// After N pushes into capacity C, length is min(N, C) and contents are
	// the last min(N, C) values in insertion order.
	for _, tc := range []struct{ n, c int }{{2, 5}, {5, 5}, {9, 4}} {
		buffer, _ := NewRingBuffer(tc.c)
		for i := 1; i <= tc.n; i++ {
			buffer.Push(float64(i))
		}

		expectedLen := tc.n
		if tc.c < tc.n {
			expectedLen = tc.c
		}
		slice := buffer.Slice()
		if len(slice) != expectedLen {
			t.Errorf("N=%d C=%d: expected length %d, got %d", tc.n, tc.c, expectedLen, len(slice))
		}
		for i, v := range slice {
			expected := float64(tc.n - expectedLen + i + 1)
			if v != expected {
				t.Errorf("N=%d C=%d index %d: expected %v, got %v", tc.n, tc.c, i, expected, v)
			}
		}
	}
}

func TestRingBufferClear(t *testing.T) {
	buffer, _ := NewRingBuffer(3)
	buffer.Push(1)
	buffer.Push(2)
	buffer.Push(3)

	buffer.Clear()

	if buffer.Len() != 0 || !buffer.IsEmpty() || buffer.IsFull() {
		t.Error("Expected empty buffer after clear")
	}
	if len(buffer.Slice()) != 0 {
		t.Error("Expected empty slice after clear")
	}
}

func assertSlice(t *testing.T, got, expected []float64) {
	t.Helper()
	if len(got) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("Expected %v, got %v", expected, got)
		}
	}
}
