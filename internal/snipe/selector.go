package snipe

import (
	"strings"
	"time"
)

// SelectBestSlot picks the single best candidate from an availability list.
// It is pure: same inputs always give the same answer, which keeps the race
// logic unit-testable without a network.
//
// Rules, in order:
//  1. keep slots with time in [ideal-window, ideal+window] (closed interval,
//     minute resolution; dates were already filtered by the fetch)
//  2. if seatingType is set, keep only matching slots; zero matches means no
//     pick at all: seating preference is a hard filter, never silently dropped
//  3. score by absolute minute distance from ideal
//  4. on a distance tie, preferEarlier decides which side wins
//
// ok=false is a normal outcome meaning "nothing matched, keep polling".
func SelectBestSlot(slots []Slot, ideal TimeOfDay, window time.Duration, preferEarlier bool, seatingType string) (Slot, bool) {
	windowMin := int(window / time.Minute)

	var best Slot
	bestDist := -1
	for _, s := range slots {
		dist := int(s.Time) - int(ideal)
		if dist < 0 {
			dist = -dist
		}
		if dist > windowMin {
			continue
		}
		if seatingType != "" && !strings.EqualFold(s.SeatingType, seatingType) {
			continue
		}
		switch {
		case bestDist < 0 || dist < bestDist:
			best, bestDist = s, dist
		case dist == bestDist && s.Time != best.Time:
			if (preferEarlier && s.Time < best.Time) || (!preferEarlier && s.Time > best.Time) {
				best = s
			}
		}
	}
	return best, bestDist >= 0
}
