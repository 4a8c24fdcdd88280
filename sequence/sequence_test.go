package sequence

import "testing"

func TestGenerateRange(t *testing.T) {
	g := NewSeededGenerator(1, 2)
	var neg, pos int
	for i := 0; i < 200; i++ {
		seq := g.Generate(7)
		if len(seq) != 7 {
			t.Fatalf("expected length 7, got %d", len(seq))
		}
		for _, v := range seq {
			m := v
			if m < 0 {
				m = -m
				neg++
			} else {
				pos++
			}
			if m < MinMagnitude || m > MaxMagnitude {
				t.Fatalf("value %d out of range", v)
			}
		}
	}
	if neg == 0 || pos == 0 {
		t.Errorf("expected both signs, got %d negative and %d positive", neg, pos)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a := NewSeededGenerator(42, 7).Generate(10)
	b := NewSeededGenerator(42, 7).Generate(10)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected identical sequences, got %v and %v", a, b)
		}
	}
}

func TestGenerateEmpty(t *testing.T) {
	if got := NewGenerator().Generate(0); len(got) != 0 {
		t.Errorf("expected empty sequence, got %v", got)
	}
}

func TestSum(t *testing.T) {
	if got := Sum([]int{3, -5, 8, 2, -1}); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	if got := Sum(nil); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestSentinelUnreachable(t *testing.T) {
	// Longest plausible sequence cannot reach the sentinel.
	if -MaxMagnitude*1000 <= Sentinel {
		t.Errorf("sentinel %d is reachable by a 1000-value sequence", Sentinel)
	}
}

func TestFixed(t *testing.T) {
	got := Fixed{1, 2}.Generate(5)
	want := []int{1, 2, 1, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
