package difficulty

import (
	"encoding/json"
	"testing"
	"time"
)

func TestForProgression(t *testing.T) {
	tests := []struct {
		completed int
		length    int
		interval  time.Duration
		lastType  Type
	}{
		{0, 5, 1000 * time.Millisecond, TypeNone},
		{2, 5, 1000 * time.Millisecond, TypeNone},
		{3, 6, 1000 * time.Millisecond, TypeSequence},
		{5, 6, 1000 * time.Millisecond, TypeSequence},
		{6, 6, 900 * time.Millisecond, TypeTiming},
		{9, 7, 900 * time.Millisecond, TypeSequence},
		{12, 7, 800 * time.Millisecond, TypeTiming},
		{30, 10, 500 * time.Millisecond, TypeTiming},
		{33, 11, 500 * time.Millisecond, TypeSequence},
		{36, 12, 500 * time.Millisecond, TypeSequence},
		{-4, 5, 1000 * time.Millisecond, TypeNone},
	}
	for _, tt := range tests {
		got := For(tt.completed)
		if got.SequenceLength != tt.length || got.DisplayInterval != tt.interval || got.LastType != tt.lastType {
			t.Errorf("For(%d): expected {%d %v %q}, got {%d %v %q}", tt.completed,
				tt.length, tt.interval, tt.lastType, got.SequenceLength, got.DisplayInterval, got.LastType)
		}
	}
}

func TestForIsMonotonic(t *testing.T) {
	prev := For(0)
	for n := 1; n <= 300; n++ {
		cur := For(n)
		if cur.SequenceLength < prev.SequenceLength {
			t.Fatalf("sequence length decreased at %d", n)
		}
		if cur.DisplayInterval > prev.DisplayInterval {
			t.Fatalf("interval increased at %d", n)
		}
		if cur.DisplayInterval < MinInterval {
			t.Fatalf("interval below floor at %d: %v", n, cur.DisplayInterval)
		}
		prev = cur
	}
}

func TestShouldIncrease(t *testing.T) {
	for n, want := range map[int]bool{0: false, 1: false, 3: true, 4: false, 6: true} {
		if got := ShouldIncrease(n); got != want {
			t.Errorf("ShouldIncrease(%d): expected %v, got %v", n, want, got)
		}
	}
}

func TestChange(t *testing.T) {
	if inc := Change(For(0), For(2)); inc != nil {
		t.Errorf("expected no change, got %+v", inc)
	}
	inc := Change(For(2), For(3))
	if inc == nil || inc.Type != TypeSequence || inc.NewSequenceLength != 6 {
		t.Errorf("expected sequence increase to 6, got %+v", inc)
	}
	inc = Change(For(5), For(6))
	if inc == nil || inc.Type != TypeTiming || inc.NewDisplayInterval != 900 {
		t.Errorf("expected timing increase to 900, got %+v", inc)
	}
}

func TestSettingsJSON(t *testing.T) {
	data, err := json.Marshal(Base())
	if err != nil {
		t.Fatal(err)
	}
	want := `{"sequenceLength":5,"displayInterval":1000,"lastDifficultyType":null}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestDisplayDuration(t *testing.T) {
	if got := For(6).DisplayDuration(); got != 5400*time.Millisecond {
		t.Errorf("expected 5.4s, got %v", got)
	}
}
