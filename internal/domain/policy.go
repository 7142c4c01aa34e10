package domain

import "time"

// ChecksumPolicy governs what a Target Worker does when the ledger holds a
// different checksum for a VersionId than the script being propagated now.
type ChecksumPolicy string

const (
	ChecksumSkip    ChecksumPolicy = "skip"
	ChecksumFail    ChecksumPolicy = "fail"
	ChecksumReapply ChecksumPolicy = "reapply"
)

// PropagationPolicy collects every tunable the engine recognizes for one job.
type PropagationPolicy struct {
	MaxConcurrency int

	MaxRetries int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	PerTargetTimeout time.Duration

	ErrorThresholdFraction float64
	MinSample              int

	DryRun bool

	OnChecksumMismatch ChecksumPolicy
}

// DefaultPolicy returns the engine's baseline tunables; callers override
// individual fields as needed. Mirrors the teacher's config-default style
// of keeping every default in one place (config.Config's envDefault tags).
func DefaultPolicy() PropagationPolicy {
	return PropagationPolicy{
		MaxConcurrency:         50,
		MaxRetries:             3,
		BaseBackoff:            200 * time.Millisecond,
		MaxBackoff:             30 * time.Second,
		PerTargetTimeout:       20 * time.Second,
		ErrorThresholdFraction: 0.2,
		MinSample:              20,
		DryRun:                 false,
		OnChecksumMismatch:     ChecksumSkip,
	}
}

// Validate checks the policy's invariants (§3: max_concurrency > 0,
// max_retries >= 0).
func (p PropagationPolicy) Validate() error {
	switch {
	case p.MaxConcurrency <= 0:
		return ErrInvalidPolicy
	case p.MaxRetries < 0:
		return ErrInvalidPolicy
	case p.BaseBackoff <= 0 || p.MaxBackoff <= 0:
		return ErrInvalidPolicy
	case p.PerTargetTimeout <= 0:
		return ErrInvalidPolicy
	case p.ErrorThresholdFraction < 0 || p.ErrorThresholdFraction > 1:
		return ErrInvalidPolicy
	case p.MinSample < 0:
		return ErrInvalidPolicy
	case p.OnChecksumMismatch != ChecksumSkip && p.OnChecksumMismatch != ChecksumFail && p.OnChecksumMismatch != ChecksumReapply:
		return ErrInvalidPolicy
	}
	return nil
}
