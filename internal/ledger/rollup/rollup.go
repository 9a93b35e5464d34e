// Package rollup aggregates reconciled records into per-period totals and
// per-entity summaries.
package rollup

import (
	"math"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ansledger/internal/ledger"
)

// Result bundles both aggregation stages.
type Result struct {
	Totals    []ledger.PeriodTotal
	Summaries []ledger.EntitySummary
	// Unkeyed counts records excluded because no entity key could be resolved.
	Unkeyed int
}

// EntityKey resolves the grouping key of a record: its registry number.
// Unmatched records carry none and are unresolvable (empty key).
func EntityKey(r ledger.ReconciledRecord) string {
	if r.RegistryNumber <= 0 {
		return ""
	}
	return strconv.FormatInt(r.RegistryNumber, 10)
}

// Aggregate runs PeriodTotals followed by Summarize.
func Aggregate(records []ledger.ReconciledRecord) Result {
	totals, unkeyed := PeriodTotals(records)
	return Result{Totals: totals, Summaries: Summarize(totals), Unkeyed: unkeyed}
}

type periodKey struct {
	entity  string
	state   string
	year    int
	quarter int
}

// PeriodTotals sums amounts per (entity key, state, year, quarter). The
// second return value counts records without a resolvable entity key.
func PeriodTotals(records []ledger.ReconciledRecord) ([]ledger.PeriodTotal, int) {
	index := make(map[periodKey]int)
	totals := make([]ledger.PeriodTotal, 0)
	unkeyed := 0
	for _, r := range records {
		key := EntityKey(r)
		if key == "" {
			unkeyed++
			continue
		}
		pk := periodKey{entity: key, state: r.StateCode, year: r.Year, quarter: r.Quarter}
		pos, ok := index[pk]
		if !ok {
			pos = len(totals)
			index[pk] = pos
			totals = append(totals, ledger.PeriodTotal{
				EntityKey:      key,
				RegistryNumber: r.RegistryNumber,
				LegalName:      r.LegalName,
				StateCode:      r.StateCode,
				Year:           r.Year,
				Quarter:        r.Quarter,
				Total:          decimal.Zero,
			})
		}
		totals[pos].Total = totals[pos].Total.Add(r.Amount)
	}
	sort.SliceStable(totals, func(i, j int) bool {
		a, b := totals[i], totals[j]
		if a.EntityKey != b.EntityKey {
			return a.EntityKey < b.EntityKey
		}
		if a.StateCode != b.StateCode {
			return a.StateCode < b.StateCode
		}
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		return a.Quarter < b.Quarter
	})
	return totals, unkeyed
}

type entityKey struct {
	entity string
	state  string
}

// Summarize rolls period totals up per (entity key, state) computing sum,
// mean and sample standard deviation. Output is ordered by total descending
// and keeps the first row per entity and state.
func Summarize(totals []ledger.PeriodTotal) []ledger.EntitySummary {
	index := make(map[entityKey]int)
	summaries := make([]ledger.EntitySummary, 0)
	values := make([][]decimal.Decimal, 0)
	for _, pt := range totals {
		ek := entityKey{entity: pt.EntityKey, state: pt.StateCode}
		pos, ok := index[ek]
		if !ok {
			pos = len(summaries)
			index[ek] = pos
			summaries = append(summaries, ledger.EntitySummary{
				EntityKey:      pt.EntityKey,
				RegistryNumber: pt.RegistryNumber,
				LegalName:      pt.LegalName,
				StateCode:      pt.StateCode,
				TotalAmount:    decimal.Zero,
			})
			values = append(values, nil)
		}
		values[pos] = append(values[pos], pt.Total)
	}
	for i := range summaries {
		summaries[i].Periods = len(values[i])
		summaries[i].TotalAmount = decimal.Sum(decimal.Zero, values[i]...)
		summaries[i].MeanPerPeriod = summaries[i].TotalAmount.Div(decimal.NewFromInt(int64(len(values[i]))))
		summaries[i].StdDevPeriod = std(values[i], summaries[i].MeanPerPeriod.InexactFloat64())
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if c := summaries[i].TotalAmount.Cmp(summaries[j].TotalAmount); c != 0 {
			return c > 0
		}
		return summaries[i].EntityKey < summaries[j].EntityKey
	})
	return dedupe(summaries)
}

func dedupe(summaries []ledger.EntitySummary) []ledger.EntitySummary {
	seen := make(map[entityKey]struct{}, len(summaries))
	out := summaries[:0]
	for _, s := range summaries {
		ek := entityKey{entity: s.EntityKey, state: s.StateCode}
		if _, dup := seen[ek]; dup {
			continue
		}
		seen[ek] = struct{}{}
		out = append(out, s)
	}
	return out
}

func std(values []decimal.Decimal, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var variance float64
	for _, v := range values {
		diff := v.InexactFloat64() - mean
		variance += diff * diff
	}
	variance /= float64(len(values) - 1)
	return math.Sqrt(variance)
}
