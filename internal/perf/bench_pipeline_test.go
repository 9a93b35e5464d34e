package perf

import (
	"bytes"
	"fmt"
	"strconv"
	"testing"

	"github.com/odyssey-erp/ansledger/internal/ledger"
	"github.com/odyssey-erp/ansledger/internal/ledger/reconcile"
	"github.com/odyssey-erp/ansledger/internal/ledger/rollup"
	"github.com/odyssey-erp/ansledger/internal/source"
)

const (
	benchEntities = 800
	benchRows     = 50000
)

// quarterCSV renders a disclosure file shaped like the regulator's quarterly
// balance sheets: several accounts per operator.
func quarterCSV(rows int) []byte {
	var buf bytes.Buffer
	buf.WriteString("DATA;REG_ANS;CD_CONTA_CONTABIL;DESCRICAO;VL_SALDO_FINAL\n")
	for i := 0; i < rows; i++ {
		reg := 300000 + i%benchEntities
		fmt.Fprintf(&buf, "2024-03-31;%d;4111%02d;EVENTOS CONHECIDOS;%d,%02d\n", reg, i%90, 1000+i, i%100)
	}
	return buf.Bytes()
}

func registry() []ledger.RegistryEntity {
	out := make([]ledger.RegistryEntity, 0, benchEntities)
	for i := 0; i < benchEntities; i++ {
		out = append(out, ledger.RegistryEntity{
			TaxID:          fmt.Sprintf("%014d", 10000000000000+i),
			RegistryNumber: int64(300000 + i),
			LegalName:      "OPERADORA " + strconv.Itoa(i),
			StateCode:      []string{"SP", "RJ", "MG", "RS"}[i%4],
		})
	}
	return out
}

func benchLedger(b *testing.B) ledger.Ledger {
	b.Helper()
	table, err := source.DecodeTable("1T2024.csv", quarterCSV(benchRows))
	if err != nil {
		b.Fatal(err)
	}
	records, err := ledger.NormalizeTable(table, ledger.PeriodContext{Text: "2024/1T2024.zip", DefaultYear: 2024})
	if err != nil {
		b.Fatal(err)
	}
	return ledger.Consolidate(records)
}

func BenchmarkDecodeAndNormalize(b *testing.B) {
	data := quarterCSV(benchRows)
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		table, err := source.DecodeTable("1T2024.csv", data)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := ledger.NormalizeTable(table, ledger.PeriodContext{Text: "2024/1T2024.zip", DefaultYear: 2024}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReconcile(b *testing.B) {
	l := benchLedger(b)
	entities := registry()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reconcile.Reconcile(l, entities)
	}
}

func BenchmarkAggregate(b *testing.B) {
	reconciled, _ := reconcile.Reconcile(benchLedger(b), registry())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rollup.Aggregate(reconciled)
	}
}
