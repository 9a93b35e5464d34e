package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ansledger/internal/ledger"
)

func record(id string) ledger.ExpenseRecord {
	return ledger.ExpenseRecord{Identifier: id, EntityLabel: "X", Quarter: 1, Year: 2024, Amount: decimal.NewFromInt(1)}
}

func TestReconcileTaxIDWinsOverRegistryNumber(t *testing.T) {
	registry := []ledger.RegistryEntity{
		{TaxID: "11444777000161", RegistryNumber: 111, LegalName: "BY TAX", StateCode: "SP"},
		{TaxID: "99999999000199", RegistryNumber: 11444777000161, LegalName: "BY REG", StateCode: "RJ"},
	}
	out, stats := Reconcile(ledger.NewLedger([]ledger.ExpenseRecord{record("11444777000161")}), registry)
	require.Len(t, out, 1)
	assert.Equal(t, ledger.MatchTaxID, out[0].Match)
	assert.Equal(t, "BY TAX", out[0].LegalName)
	assert.Equal(t, 1, stats.ByTaxID)
	assert.True(t, out[0].ValidTaxID)
}

func TestReconcileFallsBackToRegistryNumber(t *testing.T) {
	registry := []ledger.RegistryEntity{
		{TaxID: "11.444.777/0001-61", RegistryNumber: 326305, LegalName: "ACME", StateCode: "SP", Modality: "Medicina de Grupo"},
	}
	out, stats := Reconcile(ledger.NewLedger([]ledger.ExpenseRecord{record("326305")}), registry)
	require.Len(t, out, 1)
	assert.Equal(t, ledger.MatchRegistryNumber, out[0].Match)
	assert.Equal(t, int64(326305), out[0].RegistryNumber)
	assert.Equal(t, "Medicina de Grupo", out[0].Modality)
	assert.False(t, out[0].ValidTaxID)
	assert.Equal(t, 1, stats.ByRegistryNumber)
	assert.Equal(t, 1, stats.InvalidTaxIDs)
}

func TestReconcilePadsRegistryTaxID(t *testing.T) {
	registry := []ledger.RegistryEntity{{TaxID: "191", RegistryNumber: 5, LegalName: "PADDED"}}
	out, _ := Reconcile(ledger.NewLedger([]ledger.ExpenseRecord{record("00000000000191"), record("191")}), registry)
	require.Len(t, out, 2)
	assert.Equal(t, ledger.MatchTaxID, out[0].Match)
	assert.Equal(t, ledger.MatchNone, out[1].Match)
}

func TestReconcileKeepsUnmatched(t *testing.T) {
	out, stats := Reconcile(ledger.NewLedger([]ledger.ExpenseRecord{record("42"), record("")}), nil)
	require.Len(t, out, 2)
	for _, r := range out {
		assert.False(t, r.Matched())
		assert.Zero(t, r.RegistryNumber)
		assert.Empty(t, r.LegalName)
		assert.Empty(t, r.StateCode)
	}
	assert.Equal(t, 2, stats.Unmatched)
	assert.Equal(t, 2, stats.Records)
}

func TestIndexDeduplicatesByRegistryNumber(t *testing.T) {
	idx := NewIndex([]ledger.RegistryEntity{
		{TaxID: "11444777000161", RegistryNumber: 7, LegalName: "FIRST"},
		{TaxID: "22333444000181", RegistryNumber: 7, LegalName: "SECOND"},
	})
	assert.Equal(t, 1, idx.Len())

	entity, kind := idx.Lookup("7")
	assert.Equal(t, ledger.MatchRegistryNumber, kind)
	assert.Equal(t, "FIRST", entity.LegalName)

	_, kind = idx.Lookup("22333444000181")
	assert.Equal(t, ledger.MatchNone, kind)
}

func TestReconcileCardinality(t *testing.T) {
	recs := []ledger.ExpenseRecord{record("1"), record("2"), record("1"), record("3")}
	registry := []ledger.RegistryEntity{{TaxID: "", RegistryNumber: 1, LegalName: "ONE"}}
	out, stats := Reconcile(ledger.NewLedger(recs), registry)
	require.Len(t, out, len(recs))
	assert.Equal(t, 2, stats.ByRegistryNumber)
	assert.Equal(t, 2, stats.Unmatched)
	for i := range recs {
		assert.Equal(t, recs[i], out[i].ExpenseRecord)
	}
}
