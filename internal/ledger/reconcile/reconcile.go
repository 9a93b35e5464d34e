// Package reconcile attaches registry attributes to ledger records.
package reconcile

import (
	"strconv"

	"github.com/odyssey-erp/ansledger/internal/ledger"
	"github.com/odyssey-erp/ansledger/internal/ledger/cnpj"
)

// Stats counts reconciliation outcomes.
type Stats struct {
	Records          int `json:"records"`
	ByTaxID          int `json:"by_tax_id"`
	ByRegistryNumber int `json:"by_registry_number"`
	Unmatched        int `json:"unmatched"`
	InvalidTaxIDs    int `json:"invalid_tax_ids"`
	RegistryEntities int `json:"registry_entities"`
}

// Index resolves ledger identifiers against a deduplicated registry.
type Index struct {
	byTaxID    map[string]ledger.RegistryEntity
	byRegistry map[string]ledger.RegistryEntity
	size       int
}

// NewIndex deduplicates entities by registry number, keeping the first
// occurrence, and indexes them by padded tax id and by registry number.
func NewIndex(entities []ledger.RegistryEntity) *Index {
	idx := &Index{
		byTaxID:    make(map[string]ledger.RegistryEntity, len(entities)),
		byRegistry: make(map[string]ledger.RegistryEntity, len(entities)),
	}
	seen := make(map[int64]struct{}, len(entities))
	for _, entity := range entities {
		if _, dup := seen[entity.RegistryNumber]; dup {
			continue
		}
		seen[entity.RegistryNumber] = struct{}{}
		idx.size++

		if digits := cnpj.Clean(entity.TaxID); digits != "" {
			tax := cnpj.Pad(digits)
			if _, taken := idx.byTaxID[tax]; !taken {
				idx.byTaxID[tax] = entity
			}
		}
		idx.byRegistry[strconv.FormatInt(entity.RegistryNumber, 10)] = entity
	}
	return idx
}

// Len returns the number of distinct registry entities.
func (i *Index) Len() int {
	return i.size
}

// Lookup resolves an identifier, trying the tax id before the registry number.
func (i *Index) Lookup(identifier string) (ledger.RegistryEntity, ledger.MatchKind) {
	if identifier == "" {
		return ledger.RegistryEntity{}, ledger.MatchNone
	}
	if entity, ok := i.byTaxID[identifier]; ok {
		return entity, ledger.MatchTaxID
	}
	if entity, ok := i.byRegistry[identifier]; ok {
		return entity, ledger.MatchRegistryNumber
	}
	return ledger.RegistryEntity{}, ledger.MatchNone
}

// Reconcile enriches every ledger record with registry attributes. Records
// without a match are kept with empty registry fields. The output preserves
// ledger order.
func Reconcile(l ledger.Ledger, registry []ledger.RegistryEntity) ([]ledger.ReconciledRecord, Stats) {
	idx := NewIndex(registry)
	stats := Stats{Records: l.Len(), RegistryEntities: idx.Len()}
	out := make([]ledger.ReconciledRecord, 0, l.Len())
	l.Each(func(rec ledger.ExpenseRecord) {
		r := ledger.ReconciledRecord{
			ExpenseRecord: rec,
			ValidTaxID:    cnpj.IsValid(rec.Identifier),
		}
		if !r.ValidTaxID {
			stats.InvalidTaxIDs++
		}
		entity, kind := idx.Lookup(rec.Identifier)
		r.Match = kind
		switch kind {
		case ledger.MatchTaxID:
			stats.ByTaxID++
		case ledger.MatchRegistryNumber:
			stats.ByRegistryNumber++
		default:
			stats.Unmatched++
		}
		if kind != ledger.MatchNone {
			r.RegistryNumber = entity.RegistryNumber
			r.LegalName = entity.LegalName
			r.StateCode = entity.StateCode
			r.Modality = entity.Modality
		}
		out = append(out, r)
	})
	return out, stats
}
