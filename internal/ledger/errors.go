package ledger

import (
	"errors"
	"fmt"
)

// ErrNoMapping indicates a header lacks an identifier or an amount column.
var ErrNoMapping = errors.New("ledger: identifier or amount column not found")

// DiscoveryError reports a catalog listing failure.
type DiscoveryError struct {
	Locator string
	Err     error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s: %v", e.Locator, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// FetchError reports a download, extraction or decode failure for one archive or member.
type FetchError struct {
	Bundle  string
	Archive string
	Member  string
	Err     error
}

func (e *FetchError) Error() string {
	target := e.Archive
	if e.Member != "" {
		target += "!" + e.Member
	}
	return fmt.Sprintf("fetch %s (%s): %v", target, e.Bundle, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SchemaMismatchError reports a file whose header could not be mapped.
type SchemaMismatchError struct {
	File   string
	Header []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch %s: %d columns", e.File, len(e.Header))
}

func (e *SchemaMismatchError) Unwrap() error { return ErrNoMapping }
