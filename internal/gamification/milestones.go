package gamification

import (
	"slices"
	"strconv"
	"strings"
)

// Track is an activity stream with its own streak.
type Track string

const (
	TrackStamp      Track = "stamp"
	TrackDemo       Track = "demo"
	TrackBudget     Track = "budget"
	TrackReflection Track = "reflection"
)

// DefaultMilestones are the streak lengths that trigger a one-off congratulation.
var DefaultMilestones = map[Track][]int{
	TrackStamp:      {2, 5},
	TrackDemo:       {2, 5},
	TrackBudget:     {3, 7},
	TrackReflection: {4},
}

// CrossMilestones returns the thresholds to announce now and the flags to persist.
// A flag survives only while the streak stays at or above its threshold, so after a
// reset the next crossing is announced again, exactly once.
func CrossMilestones(thresholds []int, current int, notified []int) (fire []int, flags []int) {
	for _, n := range notified {
		if n <= current {
			flags = append(flags, n)
		}
	}
	for _, t := range thresholds {
		if t <= current && !slices.Contains(flags, t) {
			fire = append(fire, t)
			flags = append(flags, t)
		}
	}
	slices.Sort(flags)
	return fire, flags
}

// formatFlags encodes milestone flags for storage.
func formatFlags(flags []int) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, ",")
}

// parseFlags decodes stored milestone flags, skipping malformed entries.
func parseFlags(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
