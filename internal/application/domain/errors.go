package domain

import "errors"

// Error kinds. Callers wrap them with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrNetwork: beacon node unreachable or a non-2xx answer other than not-found.
	ErrNetwork = errors.New("network error")
	// ErrNotFound: slot, block, committee or row absent. Often non-fatal.
	ErrNotFound = errors.New("not found")
	// ErrStore: persistence failure.
	ErrStore = errors.New("store error")
	// ErrFormat: malformed bitfield or hex.
	ErrFormat = errors.New("format error")
	// ErrConsistency: a committee that must exist could not be found, or a committee
	// and its bitfield disagree. Always surfaced.
	ErrConsistency = errors.New("consistency error")
	// ErrDivision: a rate computed against a zero denominator.
	ErrDivision = errors.New("division error")
)
