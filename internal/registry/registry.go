// Package registry loads snapshots of the regulator's active operator registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/odyssey-erp/ansledger/internal/ledger"
	"github.com/odyssey-erp/ansledger/internal/ledger/cnpj"
	"github.com/odyssey-erp/ansledger/internal/source"
)

// ErrMissingColumns indicates the registry file lacks a required column.
var ErrMissingColumns = errors.New("registry: required columns missing")

// Provider returns the registry rows used for one reconciliation run.
type Provider interface {
	Snapshot(ctx context.Context) ([]ledger.RegistryEntity, error)
}

// Downloader fetches the registry file through a source transport.
type Downloader struct {
	transport source.Transport
	location  string
	logger    *slog.Logger
}

// NewDownloader builds a provider reading location with transport.
func NewDownloader(transport source.Transport, location string, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{transport: transport, location: location, logger: logger}
}

// Snapshot downloads and parses the registry file.
func (d *Downloader) Snapshot(ctx context.Context) ([]ledger.RegistryEntity, error) {
	data, err := d.transport.Fetch(ctx, d.location)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch %s: %w", d.location, err)
	}
	entities, skipped, err := Parse(d.location, data)
	if err != nil {
		return nil, err
	}
	d.logger.Info("registry snapshot loaded",
		slog.String("location", d.location),
		slog.Int("entities", len(entities)),
		slog.Int("skipped", skipped),
	)
	return entities, nil
}

// Fallback serves Primary and turns to Secondary when Primary fails or
// returns no rows.
type Fallback struct {
	Primary   Provider
	Secondary Provider
	Logger    *slog.Logger
}

// Snapshot implements Provider.
func (f Fallback) Snapshot(ctx context.Context) ([]ledger.RegistryEntity, error) {
	entities, err := f.Primary.Snapshot(ctx)
	if err == nil && len(entities) > 0 {
		return entities, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.Secondary == nil {
		return entities, err
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("registry download unusable, serving stored operators", slog.Any("error", err))
	stored, storedErr := f.Secondary.Snapshot(ctx)
	if storedErr != nil {
		return nil, errors.Join(err, storedErr)
	}
	return stored, nil
}

var (
	registryColumns = []string{"REGISTRO_OPERADORA", "REGISTRO_ANS", "REG_ANS"}
	taxIDColumns    = []string{"CNPJ"}
	nameColumns     = []string{"RAZAO_SOCIAL"}
	stateColumns    = []string{"UF"}
	modalityColumns = []string{"MODALIDADE"}
)

// Parse decodes a registry file. Rows whose registry number is not an
// integer are skipped and counted.
func Parse(name string, data []byte) ([]ledger.RegistryEntity, int, error) {
	if !source.IsTabular(name) {
		name += ".csv"
	}
	table, err := source.DecodeTable(name, data)
	if err != nil {
		return nil, 0, fmt.Errorf("registry: decode: %w", err)
	}
	regCol := column(table.Header, registryColumns)
	taxCol := column(table.Header, taxIDColumns)
	if regCol < 0 || taxCol < 0 {
		return nil, 0, fmt.Errorf("%w: have %v", ErrMissingColumns, table.Header)
	}
	nameCol := column(table.Header, nameColumns)
	stateCol := column(table.Header, stateColumns)
	modalityCol := column(table.Header, modalityColumns)

	entities := make([]ledger.RegistryEntity, 0, len(table.Rows))
	skipped := 0
	for _, row := range table.Rows {
		number, err := strconv.ParseInt(cnpj.Clean(table.Cell(row, regCol)), 10, 64)
		if err != nil || number <= 0 {
			skipped++
			continue
		}
		entities = append(entities, ledger.RegistryEntity{
			TaxID:          cnpj.Pad(table.Cell(row, taxCol)),
			RegistryNumber: number,
			LegalName:      strings.TrimSpace(table.Cell(row, nameCol)),
			StateCode:      strings.ToUpper(strings.TrimSpace(table.Cell(row, stateCol))),
			Modality:       strings.TrimSpace(table.Cell(row, modalityCol)),
		})
	}
	return entities, skipped, nil
}

func column(header []string, names []string) int {
	for _, want := range names {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				return i
			}
		}
	}
	return -1
}
