// Package difficulty derives round settings from the number of rounds a match
// or single-player run has completed.
package difficulty

import (
	"encoding/json"
	"time"
)

const (
	BaseSequenceLength = 5
	BaseInterval       = 1000 * time.Millisecond
	MinInterval        = 500 * time.Millisecond
	IntervalStep       = 100 * time.Millisecond

	// RoundsPerIncrement is how many completed rounds earn one difficulty step.
	RoundsPerIncrement = 3
)

// Type names the dimension changed by the most recent increment.
type Type string

const (
	TypeNone     Type = ""
	TypeSequence Type = "sequence"
	TypeTiming   Type = "timing"
)

// Settings are the parameters a round is played with.
type Settings struct {
	SequenceLength  int
	DisplayInterval time.Duration
	LastType        Type
}

type settingsJSON struct {
	SequenceLength     int     `json:"sequenceLength"`
	DisplayInterval    int64   `json:"displayInterval"`
	LastDifficultyType *string `json:"lastDifficultyType"`
}

// MarshalJSON renders the interval in milliseconds and an empty type as null.
func (s Settings) MarshalJSON() ([]byte, error) {
	out := settingsJSON{
		SequenceLength:  s.SequenceLength,
		DisplayInterval: s.DisplayInterval.Milliseconds(),
	}
	if s.LastType != TypeNone {
		t := string(s.LastType)
		out.LastDifficultyType = &t
	}
	return json.Marshal(out)
}

// Base returns the settings for a fresh match or run.
func Base() Settings {
	return Settings{SequenceLength: BaseSequenceLength, DisplayInterval: BaseInterval}
}

// For returns the settings after completedRounds resolved rounds. Increments
// alternate between a longer sequence and a shorter display interval, starting
// with the sequence; once the interval reaches MinInterval only the sequence
// grows.
func For(completedRounds int) Settings {
	s := Base()
	if completedRounds < 0 {
		return s
	}
	increments := completedRounds / RoundsPerIncrement
	for i := 0; i < increments; i++ {
		canDecrease := s.DisplayInterval > MinInterval
		if i%2 == 0 || !canDecrease {
			s.SequenceLength++
			s.LastType = TypeSequence
			continue
		}
		s.DisplayInterval = max(MinInterval, s.DisplayInterval-IntervalStep)
		s.LastType = TypeTiming
	}
	return s
}

// ShouldIncrease reports whether completing the given round count crosses an
// increment boundary.
func ShouldIncrease(completedRounds int) bool {
	return completedRounds > 0 && completedRounds%RoundsPerIncrement == 0
}

// Increase describes a step between two settings, for client notifications.
type Increase struct {
	Type               Type  `json:"type"`
	NewSequenceLength  int   `json:"newSequenceLength"`
	NewDisplayInterval int64 `json:"newDisplayInterval"`
}

// Change returns the step from old to next, or nil when nothing changed.
// A sequence change takes precedence over a timing change.
func Change(old, next Settings) *Increase {
	inc := &Increase{
		NewSequenceLength:  next.SequenceLength,
		NewDisplayInterval: next.DisplayInterval.Milliseconds(),
	}
	switch {
	case old.SequenceLength != next.SequenceLength:
		inc.Type = TypeSequence
	case old.DisplayInterval != next.DisplayInterval:
		inc.Type = TypeTiming
	default:
		return nil
	}
	return inc
}

// DisplayDuration is how long a sequence of the given settings takes to show.
func (s Settings) DisplayDuration() time.Duration {
	return time.Duration(s.SequenceLength) * s.DisplayInterval
}
