package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"loanwarden/internal/storage"
)

// exposurePoint is the aggregate loan-book state after one event.
type exposurePoint struct {
	Time            time.Time
	Block           uint64
	OpenLoans       int
	TotalNotional   decimal.Decimal
	TotalCollateral decimal.Decimal
}

// Export renders the ledger's aggregate exposure history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var all []storage.LoanEvent
	for _, stream := range storage.Streams() {
		events, _, err := store.LoadEvents(ctx, stream)
		if err != nil {
			return err
		}
		all = append(all, events...)
	}
	if len(all) == 0 {
		a.Logger.Info().Msg("no events found for export")
		return nil
	}

	points := exposureSeries(all)
	points = filterWindow(points, opts.From, opts.To)
	if len(points) == 0 {
		a.Logger.Info().Msg("no events within export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting exposure history")

	if opts.CSVPath != "" {
		if err := writeExposureCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeExposurePNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// exposureSeries replays the merged event history in block order,
// snapshotting the aggregate book after every event.
func exposureSeries(events []storage.LoanEvent) []exposurePoint {
	sorted := make([]storage.LoanEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Block < sorted[j].Block })

	states := make(map[string]storage.LoanEvent)
	points := make([]exposurePoint, 0, len(sorted))
	for _, ev := range sorted {
		states[ev.Account] = ev

		point := exposurePoint{
			Time:            ev.Timestamp,
			Block:           ev.Block,
			TotalNotional:   decimal.Zero,
			TotalCollateral: decimal.Zero,
		}
		for _, state := range states {
			if state.Closed() {
				continue
			}
			point.OpenLoans++
			point.TotalNotional = point.TotalNotional.Add(state.Notional)
			point.TotalCollateral = point.TotalCollateral.Add(state.Collateral)
		}
		points = append(points, point)
	}
	return points
}

func filterWindow(points []exposurePoint, from, to *time.Time) []exposurePoint {
	filtered := make([]exposurePoint, 0, len(points))
	for _, p := range points {
		if from != nil && p.Time.Before(from.UTC()) {
			continue
		}
		if to != nil && !p.Time.Before(to.UTC()) {
			continue
		}
		filtered = append(filtered, p)
	}
	return filtered
}

func downsamplePoints(points []exposurePoint, max int) []exposurePoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]exposurePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeExposureCSV(path string, points []exposurePoint) error {
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

	header := []string{"ts", "block", "open_loans", "total_notional", "total_collateral"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			p.Time.Format(time.RFC3339),
			strconv.FormatUint(p.Block, 10),
			strconv.Itoa(p.OpenLoans),
			p.TotalNotional.String(),
			p.TotalCollateral.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeExposurePNG(path string, points []exposurePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	notional := make([]float64, len(points))
	collateral := make([]float64, len(points))
	open := make([]float64, len(points))

	for i, p := range points {
		x[i] = p.Time
		notional[i] = p.TotalNotional.InexactFloat64()
		collateral[i] = p.TotalCollateral.InexactFloat64()
		open[i] = float64(p.OpenLoans)
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Exposure",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Open loans",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Total notional",
				XValues: x,
				YValues: notional,
			},
			chart.TimeSeries{
				Name:    "Total collateral",
				XValues: x,
				YValues: collateral,
			},
			chart.TimeSeries{
				Name:    "Open loans",
				XValues: x,
				YValues: open,
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
