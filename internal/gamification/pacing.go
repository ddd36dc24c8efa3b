package gamification

// IdealSpend is the linearly prorated budget allowance after day of daysInMonth.
func IdealSpend(budgetCents int64, day, daysInMonth int) int64 {
	if daysInMonth <= 0 {
		return budgetCents
	}
	return budgetCents * int64(day) / int64(daysInMonth)
}

// OnPace reports whether cumulative spend is at or below the prorated ideal.
func OnPace(spentCents, budgetCents int64, day, daysInMonth int) bool {
	return spentCents <= IdealSpend(budgetCents, day, daysInMonth)
}

// Pace tracks consecutive on-pace days.
type Pace struct {
	OnTrack  int
	LastDate string
}

// AdvancePace applies one evaluation on today. Being over pace drops the count to 0
// immediately; otherwise the count follows the same day-adjacency rule as a streak.
func AdvancePace(p Pace, today string, onPace bool) (Pace, error) {
	if !onPace {
		return Pace{OnTrack: 0, LastDate: today}, nil
	}
	if p.LastDate == "" {
		return Pace{OnTrack: 1, LastDate: today}, nil
	}
	gap, err := DaysBetween(p.LastDate, today)
	if err != nil {
		return p, err
	}
	switch {
	case gap <= 0:
		return p, nil
	case gap == 1:
		return Pace{OnTrack: p.OnTrack + 1, LastDate: today}, nil
	default:
		return Pace{OnTrack: 1, LastDate: today}, nil
	}
}
