package risk

import (
	"math"
	"strings"
	"time"

	"compliance-watch/internal/storage"
)

// Alert type markers scanned in historical results.
const (
	MarkerMissedDeadline = "missed_deadline"
	MarkerLateCorrection = "late_correction"
)

// DefaultIndustryMultipliers weights industries by historical exposure.
var DefaultIndustryMultipliers = map[string]float64{
	"construction":          1.20,
	"financial":             1.15,
	"hospitality":           1.10,
	"retail":                1.05,
	"manufacturing":         1.00,
	"technology":            0.95,
	"professional_services": 0.90,
	"nonprofit":             0.85,
}

var (
	largeMarkers = []string{"holding", "group", "grupo", "corporation", "corp", "s.a.b.", "international"}
	smallMarkers = []string{"s.c.", "sole", "freelance", "consulting", "studio", "& sons"}
)

// SizeClass buckets an entity by naming convention.
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// ClassifySize guesses the company size from its registered name.
func ClassifySize(name string) SizeClass {
	lower := strings.ToLower(name)
	for _, marker := range largeMarkers {
		if strings.Contains(lower, marker) {
			return SizeLarge
		}
	}
	for _, marker := range smallMarkers {
		if strings.Contains(lower, marker) {
			return SizeSmall
		}
	}
	return SizeMedium
}

func sizeMultiplier(class SizeClass) float64 {
	switch class {
	case SizeLarge:
		return 1.10
	case SizeSmall:
		return 0.90
	default:
		return 1.0
	}
}

func normaliseIndustry(industry string) string {
	key := strings.ToLower(strings.TrimSpace(industry))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(key)
}

// Adjustment returns the industry × size multiplier clamped to [0.7, 1.3].
func Adjustment(industries map[string]float64, industry, name string) float64 {
	mult, ok := industries[normaliseIndustry(industry)]
	if !ok {
		mult = 1.0
	}
	return clamp(mult*sizeMultiplier(ClassifySize(name)), 0.7, 1.3)
}

// HistoricComponent scores past check results: average normalised score
// less the missed-deadline and late-correction rates.
func HistoricComponent(history []storage.CheckResult) float64 {
	if len(history) == 0 {
		return 0.5
	}
	var sum float64
	var missed, late int
	for _, r := range history {
		sum += r.ComplianceScore / 100
		if r.HasAlertType(MarkerMissedDeadline) {
			missed++
		}
		if r.HasAlertType(MarkerLateCorrection) {
			late++
		}
	}
	n := float64(len(history))
	avg := sum / n
	return clamp(avg-float64(missed)/n*0.3-float64(late)/n*0.2, 0, 1)
}

// CurrentComponent averages the credit of every sub-check present.
func CurrentComponent(snap *storage.ComplianceSnapshot) float64 {
	if snap.Empty() {
		return 0.5
	}
	var total float64
	var checks int
	if snap.Fiscal != nil {
		total += fiscalCredit(snap.Fiscal)
		checks++
	}
	if snap.Registration != nil {
		total += registrationCredit(snap.Registration)
		checks++
	}
	if snap.Profile != nil {
		total += profileCredit(snap.Profile)
		checks++
	}
	return total / float64(checks)
}

func fiscalCredit(f *storage.FiscalStatus) float64 {
	if f.Active {
		return 1.0
	}
	if isPending(f.Status) {
		return 0.5
	}
	return 0
}

func registrationCredit(r *storage.RegistrationStatus) float64 {
	if r.VATRegistered {
		return 1.0
	}
	if isPending(r.Status) {
		return 0.5
	}
	return 0
}

func profileCredit(p *storage.TaxpayerProfile) float64 {
	credit := 1.0
	if !p.Complete {
		credit -= 0.25
	}
	credit -= math.Min(float64(p.OverdueFilings)*0.25, 0.75)
	credit -= math.Min(float64(p.LateCorrections)*0.1, 0.3)
	credit -= math.Min(float64(p.PendingObligations)*0.05, 0.2)
	return clamp(credit, 0, 1)
}

func isPending(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "pending") || strings.Contains(s, "review")
}

// PredictiveComponent projects the score from the trend of recent results,
// the seasonal deviation of the current calendar month across history, and
// the proximity of the next filing deadline.
func PredictiveComponent(recent, history []storage.CheckResult, daysToDeadline int, now time.Time) float64 {
	if len(recent) < 2 {
		return 0.5
	}
	series := make([]float64, len(recent))
	for i, r := range recent {
		series[i] = r.ComplianceScore
	}

	value := 0.5
	slope := Slope(series)
	strength := math.Min(math.Abs(slope)/10, 1)
	switch {
	case slope > 0:
		value += 0.2 * strength
	case slope < 0:
		value -= 0.3 * strength
	}

	value += Seasonality(history, now.Month())
	value -= 0.2 * DeadlinePenalty(daysToDeadline)
	return clamp(value, 0, 1)
}

// Slope is the least-squares slope of ys against their index.
func Slope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Seasonality is (average score in month − overall average) / 100. It is not
// clamped; the final score clamp bounds it.
func Seasonality(history []storage.CheckResult, month time.Month) float64 {
	if len(history) == 0 {
		return 0
	}
	var total, monthTotal float64
	var monthCount int
	for _, r := range history {
		total += r.ComplianceScore
		if r.CheckedAt.Month() == month {
			monthTotal += r.ComplianceScore
			monthCount++
		}
	}
	if monthCount == 0 {
		return 0
	}
	return (monthTotal/float64(monthCount) - total/float64(len(history))) / 100
}

// DeadlinePenalty grows as the next filing deadline approaches.
func DeadlinePenalty(days int) float64 {
	switch {
	case days <= 5:
		return 0.9
	case days <= 10:
		return 0.6
	case days <= 20:
		return 0.3
	default:
		return 0.1
	}
}

// DaysUntilDeadline counts calendar days from now to the next filing day of
// month in loc. A deadline today counts as zero days.
func DaysUntilDeadline(now time.Time, day int, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	deadline := time.Date(local.Year(), local.Month(), day, 0, 0, 0, 0, loc)
	if deadline.Before(today) {
		deadline = time.Date(local.Year(), local.Month()+1, day, 0, 0, 0, 0, loc)
	}
	return int(math.Round(deadline.Sub(today).Hours() / 24))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
