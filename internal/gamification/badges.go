package gamification

// Metric names a counter that badge rules compare against.
type Metric string

const (
	MetricStamps       Metric = "stamps"
	MetricStampStreak  Metric = "stamp_streak"
	MetricExpenses     Metric = "expenses"
	MetricBudgetStreak Metric = "budget_streak"
	MetricOnTrack      Metric = "on_track_streak"
	MetricReflections  Metric = "reflections"
)

// BadgeRule grants Code the first time Metric reaches Threshold.
type BadgeRule struct {
	Metric    Metric `yaml:"metric"`
	Threshold int    `yaml:"threshold"`
	Code      string `yaml:"code"`
	Title     string `yaml:"title"`
}

// DefaultBadgeRules is the built-in badge table.
var DefaultBadgeRules = []BadgeRule{
	{MetricStamps, 1, "first_stamp", "First Stamp"},
	{MetricStamps, 10, "ten_stamps", "Full Card"},
	{MetricStampStreak, 5, "streak_5", "5-Day Regular"},
	{MetricExpenses, 1, "first_expense", "First Expense Logged"},
	{MetricExpenses, 10, "ten_expenses", "Ten Expenses Logged"},
	{MetricBudgetStreak, 7, "budget_streak_7", "Week of Tracking"},
	{MetricOnTrack, 7, "on_track_7", "On Track for 7 Days"},
	{MetricReflections, 1, "first_reflection", "First Reflection"},
	{MetricReflections, 4, "reflection_4", "Month of Reflections"},
}

// EligibleBadges returns every rule whose threshold is met and whose code is not yet
// owned. Several badges may qualify in one pass.
func EligibleBadges(rules []BadgeRule, metrics map[Metric]int, owned map[string]bool) []BadgeRule {
	var out []BadgeRule
	for _, r := range rules {
		v, ok := metrics[r.Metric]
		if !ok || v < r.Threshold || owned[r.Code] {
			continue
		}
		out = append(out, r)
	}
	return out
}
