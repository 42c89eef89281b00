package usecase

import (
	"context"
	"fmt"
	"time"

	"TWPull/internal/domain/models"
	domrepo "TWPull/internal/domain/repository"
	"TWPull/pkg/util"
)

// Year coverage statuses.
const (
	YearComplete = "complete"
	YearPartial  = "partial"
	YearMissing  = "missing"
)

// CoveragePolicy decides which years of a symbol's history need (re)fetching.
type CoveragePolicy struct {
	DefaultStartYear int
	// MinFullYear is the record count a closed year needs to count as complete.
	MinFullYear int
	// MinPartialYear is the lower bar for the in-progress current year.
	MinPartialYear int
	// ListingConfidence is the total record count above which a late earliest
	// date is trusted as the listing date rather than a sign of missing history.
	ListingConfidence int
}

// DefaultCoveragePolicy matches the config defaults.
func DefaultCoveragePolicy() CoveragePolicy {
	return CoveragePolicy{DefaultStartYear: 2010, MinFullYear: 200, MinPartialYear: 20, ListingConfidence: 1000}
}

func (p CoveragePolicy) threshold(year, currentYear int) int {
	if year == currentYear {
		return p.MinPartialYear
	}
	return p.MinFullYear
}

// Analyze classifies each year from the effective start year through today and
// merges consecutive years needing fetch into ranges. earliest is the zero time
// when the symbol has no rows. It never fails.
func (p CoveragePolicy) Analyze(symbol string, counts []models.CoverageYear, earliest, today time.Time) models.CoverageReport {
	today = util.Day(today)
	currentYear := today.Year()

	byYear := make(map[int]int, len(counts))
	total := 0
	for _, c := range counts {
		byYear[c.Year] += c.RecordCount
		total += c.RecordCount
	}

	startYear := p.DefaultStartYear
	trusted := false
	if !earliest.IsZero() && earliest.Year() > p.DefaultStartYear && total > p.ListingConfidence {
		startYear = earliest.Year()
		trusted = true
	}

	rep := models.CoverageReport{Symbol: symbol, StartYear: startYear, TotalRecords: total}
	var (
		ranges  []models.FetchRange
		runFrom = -1
	)
	closeRun := func(lastYear int) {
		end := util.YearEnd(lastYear)
		if lastYear == currentYear {
			end = today
		}
		ranges = append(ranges, models.FetchRange{Symbol: symbol, Start: util.YearStart(runFrom), End: end})
		runFrom = -1
	}

	for y := startYear; y <= currentYear; y++ {
		n := byYear[y]
		th := p.threshold(y, currentYear)
		status := YearComplete
		switch {
		case n == 0:
			status = YearMissing
		case n < th:
			status = YearPartial
		}
		rep.Years = append(rep.Years, models.YearCoverage{Year: y, RecordCount: n, Threshold: th, Status: status})

		if status == YearComplete {
			if runFrom >= 0 {
				closeRun(y - 1)
			}
			continue
		}
		if runFrom < 0 {
			runFrom = y
		}
	}
	if runFrom >= 0 {
		closeRun(currentYear)
	}

	if trusted && len(ranges) > 0 && ranges[0].Contains(util.Day(earliest)) {
		ranges[0].Start = util.Day(earliest)
	}
	rep.Ranges = ranges
	return rep
}

// CoverageAnalyzer reads per-year counts from the store and applies a CoveragePolicy.
type CoverageAnalyzer struct {
	store  domrepo.PriceStore
	policy CoveragePolicy
	now    func() time.Time
}

func NewCoverageAnalyzer(store domrepo.PriceStore, policy CoveragePolicy) *CoverageAnalyzer {
	return &CoverageAnalyzer{store: store, policy: policy, now: time.Now}
}

// Policy returns the thresholds in use.
func (a *CoverageAnalyzer) Policy() CoveragePolicy { return a.policy }

// Analyze builds the coverage report for one symbol from stored data.
func (a *CoverageAnalyzer) Analyze(ctx context.Context, symbol string) (models.CoverageReport, error) {
	counts, err := a.store.YearCounts(ctx, symbol)
	if err != nil {
		return models.CoverageReport{}, fmt.Errorf("coverage %s: %w", symbol, err)
	}
	earliest, latest, ok, err := a.store.DateBounds(ctx, symbol)
	if err != nil {
		return models.CoverageReport{}, fmt.Errorf("coverage %s: %w", symbol, err)
	}
	if !ok {
		earliest = time.Time{}
	}
	rep := a.policy.Analyze(symbol, counts, earliest, a.now())
	if ok {
		rep.Earliest = util.FormatDate(earliest)
		rep.Latest = util.FormatDate(latest)
	}
	return rep, nil
}
