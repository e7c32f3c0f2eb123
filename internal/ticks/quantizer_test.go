package ticks

import "testing"

func testQuantizer(t *testing.T, tick float64) Quantizer {
	t.Helper()
	q, err := NewQuantizer(tick)
	if err != nil {
		t.Fatalf("NewQuantizer(%v): %v", tick, err)
	}
	return q
}

func TestQuantize(t *testing.T) {
	q := testQuantizer(t, 0.01)
	cases := []struct {
		in   float64
		want float64
	}{
		{100.00, 100.00},
		{100.01, 100.01},
		{100.004, 100.00},
		{100.006, 100.01},
		{2534.567, 2534.57},
	}
	for _, c := range cases {
		if got := q.Quantize(c.in); got != c.want {
			t.Errorf("Quantize(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestQuantizeCoarseTick(t *testing.T) {
	q := testQuantizer(t, 0.5)
	if got := q.Quantize(101.3); got != 101.5 {
		t.Fatalf("Quantize(101.3) = %v, want 101.5", got)
	}
	if got := q.Quantize(101.2); got != 101.0 {
		t.Fatalf("Quantize(101.2) = %v, want 101", got)
	}
}

func TestNewQuantizerRejectsNonPositive(t *testing.T) {
	if _, err := NewQuantizer(0); err == nil {
		t.Fatalf("expected error for zero tick")
	}
	if _, err := NewQuantizer(-1); err == nil {
		t.Fatalf("expected error for negative tick")
	}
}
