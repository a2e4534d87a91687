package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"compliance-watch/internal/storage"
	"compliance-watch/internal/validation"
)

// Export renders an entity's risk calculations as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	id := validation.NormalizeEntityID(opts.EntityID)
	if err := validation.EntityID(id); err != nil {
		return err
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, _, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, -a.Config.Risk.HistoryMonths, 0)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	factors, err := store.ListRiskFactors(ctx, id, from, to, 0)
	if err != nil {
		return err
	}
	if len(factors) == 0 {
		a.Logger.Info().Str("entity_id", id).Msg("no risk calculations found for export window")
		return nil
	}

	downsampled := downsampleFactors(factors, opts.MaxPoints)
	a.Logger.Info().Str("entity_id", id).Int("total", len(factors)).Int("exported", len(downsampled)).Msg("exporting risk calculations")

	if opts.CSVPath != "" {
		if err := writeFactorsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeFactorsPNG(opts.PNGPath, id, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleFactors(factors []storage.RiskFactorSet, max int) []storage.RiskFactorSet {
	if max <= 0 || len(factors) <= max {
		return factors
	}
	if max == 1 {
		return factors[len(factors)-1:]
	}

	result := make([]storage.RiskFactorSet, 0, max)
	step := float64(len(factors)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(factors) {
			idx = len(factors) - 1
		}
		result = append(result, factors[idx])
	}
	return result
}

func writeFactorsCSV(path string, factors []storage.RiskFactorSet) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"calculated_at", "entity_id", "historic", "current", "predictive", "adjustment", "final_score", "compliance_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, f := range factors {
		record := []string{
			f.CalculatedAt.UTC().Format(time.RFC3339),
			f.EntityID,
			formatScore(f.Historic),
			formatScore(f.Current),
			formatScore(f.Predictive),
			formatScore(f.Adjustment),
			formatScore(f.FinalScore),
			formatPercent((1 - f.FinalScore) * 100),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeFactorsPNG(path, entityID string, factors []storage.RiskFactorSet) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(factors))
	historic := make([]float64, len(factors))
	current := make([]float64, len(factors))
	predictive := make([]float64, len(factors))
	final := make([]float64, len(factors))

	for i, f := range factors {
		x[i] = f.CalculatedAt
		historic[i] = f.Historic
		current[i] = f.Current
		predictive[i] = f.Predictive
		final[i] = f.FinalScore
	}

	scoreFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  "Risk factors " + entityID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Component health",
			ValueFormatter: scoreFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 1},
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Risk score",
			ValueFormatter: scoreFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Historic", XValues: x, YValues: historic},
			chart.TimeSeries{Name: "Current", XValues: x, YValues: current},
			chart.TimeSeries{Name: "Predictive", XValues: x, YValues: predictive},
			chart.TimeSeries{
				Name:    "Risk score",
				XValues: x,
				YValues: final,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatScore(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(3)
}

func formatPercent(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(1)
}
