package ledger

// Consolidate folds per-file record slices into one ledger, preserving the
// order of parts and of records inside each part. No deduplication happens.
func Consolidate(parts ...[]ExpenseRecord) Ledger {
	size := 0
	for _, part := range parts {
		size += len(part)
	}
	records := make([]ExpenseRecord, 0, size)
	for _, part := range parts {
		records = append(records, part...)
	}
	return Ledger{records: records}
}
