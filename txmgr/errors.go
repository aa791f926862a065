package txmgr

import "fmt"

var (
	// ErrMaxFeeExceeded means the computed max fee per gas passed the
	// configured hard ceiling. Not retryable by policy: the owning record
	// is quarantined until an operator intervenes.
	ErrMaxFeeExceeded = fmt.Errorf("max fee per gas exceeds configured ceiling")

	ErrEstimateGasFailed = fmt.Errorf("estimate gas failed")
	ErrBroadcastFailed   = fmt.Errorf("broadcast failed")
)
