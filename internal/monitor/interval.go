package monitor

import (
	"sort"
	"time"
)

// IntervalRule maps a minimum risk score to a polling interval.
type IntervalRule struct {
	MinScore float64
	Minutes  int
}

// DefaultIntervals poll riskier entities more often.
var DefaultIntervals = []IntervalRule{
	{MinScore: 0.85, Minutes: 15},
	{MinScore: 0.70, Minutes: 60},
	{MinScore: 0.40, Minutes: 360},
	{MinScore: 0, Minutes: 1440},
}

func sortRules(rules []IntervalRule) []IntervalRule {
	out := append([]IntervalRule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinScore > out[j].MinScore })
	return out
}

// IntervalForScore returns the polling interval in minutes for a risk score.
// rules must be sorted by MinScore descending.
func IntervalForScore(rules []IntervalRule, score float64) int {
	if len(rules) == 0 {
		rules = DefaultIntervals
	}
	for _, rule := range rules {
		if score >= rule.MinScore {
			return rule.Minutes
		}
	}
	return rules[len(rules)-1].Minutes
}

func minutes(m int) time.Duration {
	return time.Duration(m) * time.Minute
}
