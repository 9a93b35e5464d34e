package rollup

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ansledger/internal/ledger"
)

// StateSummary aggregates entity summaries per state.
type StateSummary struct {
	StateCode     string          `json:"uf"`
	Entities      int             `json:"operadoras"`
	Total         decimal.Decimal `json:"total_despesa"`
	MeanPerEntity decimal.Decimal `json:"media_por_operadora"`
}

// ByState groups summaries by state code, ordered by total descending.
func ByState(summaries []ledger.EntitySummary) []StateSummary {
	index := make(map[string]int)
	out := make([]StateSummary, 0)
	for _, s := range summaries {
		pos, ok := index[s.StateCode]
		if !ok {
			pos = len(out)
			index[s.StateCode] = pos
			out = append(out, StateSummary{StateCode: s.StateCode, Total: decimal.Zero})
		}
		out[pos].Entities++
		out[pos].Total = out[pos].Total.Add(s.TotalAmount)
	}
	for i := range out {
		out[i].MeanPerEntity = out[i].Total.Div(decimal.NewFromInt(int64(out[i].Entities))).Round(2)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Total.Cmp(out[j].Total); c != 0 {
			return c > 0
		}
		return out[i].StateCode < out[j].StateCode
	})
	return out
}

// GrowthEntry compares an entity's spend in a base year against later years.
type GrowthEntry struct {
	EntityKey string          `json:"entity_key"`
	LegalName string          `json:"razao_social"`
	StateCode string          `json:"uf"`
	Base      decimal.Decimal `json:"base"`
	Current   decimal.Decimal `json:"atual"`
	Percent   float64         `json:"crescimento"`
}

// Growth ranks entities by percentage growth from baseYear to the sum of
// laterYears. Entities with no positive base spend or no later spend are
// skipped. A non-positive limit returns every entry.
func Growth(totals []ledger.PeriodTotal, baseYear int, laterYears []int, limit int) []GrowthEntry {
	later := make(map[int]struct{}, len(laterYears))
	for _, y := range laterYears {
		later[y] = struct{}{}
	}
	index := make(map[entityKey]int)
	entries := make([]GrowthEntry, 0)
	seenLater := make([]bool, 0)
	for _, pt := range totals {
		_, isLater := later[pt.Year]
		if pt.Year != baseYear && !isLater {
			continue
		}
		ek := entityKey{entity: pt.EntityKey, state: pt.StateCode}
		pos, ok := index[ek]
		if !ok {
			pos = len(entries)
			index[ek] = pos
			entries = append(entries, GrowthEntry{
				EntityKey: pt.EntityKey,
				LegalName: pt.LegalName,
				StateCode: pt.StateCode,
				Base:      decimal.Zero,
				Current:   decimal.Zero,
			})
			seenLater = append(seenLater, false)
		}
		if pt.Year == baseYear {
			entries[pos].Base = entries[pos].Base.Add(pt.Total)
			continue
		}
		entries[pos].Current = entries[pos].Current.Add(pt.Total)
		seenLater[pos] = true
	}
	out := make([]GrowthEntry, 0, len(entries))
	hundred := decimal.NewFromInt(100)
	for i, e := range entries {
		if !e.Base.IsPositive() || !seenLater[i] {
			continue
		}
		e.Percent = e.Current.Sub(e.Base).Div(e.Base).Mul(hundred).Round(2).InexactFloat64()
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Percent != out[j].Percent {
			return out[i].Percent > out[j].Percent
		}
		return out[i].EntityKey < out[j].EntityKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
