package gamification

// Streak is the consecutive-day counter for one activity track.
type Streak struct {
	Current  int
	Longest  int
	LastDate string // last qualifying day, empty before the first activity
}

// StreakChange describes what AdvanceStreak did.
type StreakChange int

const (
	// StreakUnchanged means the day was already counted.
	StreakUnchanged StreakChange = iota
	// StreakStarted means this is the first qualifying activity.
	StreakStarted
	// StreakExtended means the activity followed the previous day.
	StreakExtended
	// StreakReset means a gap of more than one day restarted the count at 1.
	StreakReset
)

func (c StreakChange) String() string {
	switch c {
	case StreakStarted:
		return "started"
	case StreakExtended:
		return "extended"
	case StreakReset:
		return "reset"
	default:
		return "unchanged"
	}
}

// AdvanceStreak applies one qualifying activity on today. At most one increment is
// counted per day; an activity dated before LastDate is ignored.
func AdvanceStreak(s Streak, today string) (Streak, StreakChange, error) {
	if s.LastDate == "" {
		next := Streak{Current: 1, Longest: max(s.Longest, 1), LastDate: today}
		return next, StreakStarted, nil
	}
	gap, err := DaysBetween(s.LastDate, today)
	if err != nil {
		return s, StreakUnchanged, err
	}
	switch {
	case gap <= 0:
		return s, StreakUnchanged, nil
	case gap == 1:
		next := Streak{Current: s.Current + 1, LastDate: today}
		next.Longest = max(s.Longest, next.Current)
		return next, StreakExtended, nil
	default:
		return Streak{Current: 1, Longest: max(s.Longest, 1), LastDate: today}, StreakReset, nil
	}
}
