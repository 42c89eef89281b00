package usecase

import (
	"sort"
	"time"

	"TWPull/internal/domain/models"
	"TWPull/pkg/util"
)

// SplitByMonth cuts r at calendar-month boundaries. Sub-ranges are contiguous,
// in chronological order, and their union is exactly r.
func SplitByMonth(r models.FetchRange) []models.FetchRange {
	start, end := util.Day(r.Start), util.Day(r.End)
	if end.Before(start) {
		return nil
	}
	var out []models.FetchRange
	for cur := start; !cur.After(end); {
		last := util.MinDate(util.MonthEnd(cur), end)
		out = append(out, models.FetchRange{Symbol: r.Symbol, Start: cur, End: last})
		cur = last.AddDate(0, 0, 1)
	}
	return out
}

// SplitSymbols groups symbols into batches of size, preserving order.
// The last batch may be smaller.
func SplitSymbols(symbols []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for i := 0; i < len(symbols); i += size {
		out = append(out, symbols[i:min(i+size, len(symbols))])
	}
	return out
}

// MergeRanges sorts ranges by start and joins overlapping or adjacent ones.
func MergeRanges(ranges []models.FetchRange) []models.FetchRange {
	if len(ranges) < 2 {
		return ranges
	}
	sorted := make([]models.FetchRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := []models.FetchRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if !r.Start.After(last.End.AddDate(0, 0, 1)) {
			last.End = util.MaxDate(last.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// ClipRanges intersects every range with [start, end], dropping empty results.
func ClipRanges(ranges []models.FetchRange, start, end time.Time) []models.FetchRange {
	var out []models.FetchRange
	for _, r := range ranges {
		r.Start = util.MaxDate(r.Start, start)
		r.End = util.MinDate(r.End, end)
		if !r.End.Before(r.Start) {
			out = append(out, r)
		}
	}
	return out
}
