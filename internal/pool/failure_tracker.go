package pool

import (
	"fmt"
	"math"

	"github.com/credential-pool/internal/types"
)

// FailurePolicy configures when consecutive failures take a credential out of rotation
type FailurePolicy struct {
	// Threshold is the consecutive counted failure count that disables a credential
	Threshold uint32
	// CountedKinds lists the failure kinds that count. Auth rejection always counts.
	CountedKinds []types.FailureKind
}

// Transition is the health change caused by one outcome
type Transition int

const (
	// TransitionNone means the outcome changed nothing
	TransitionNone Transition = iota
	// TransitionReset means a success cleared the failure count
	TransitionReset
	// TransitionCounted means a counted failure incremented the failure count
	TransitionCounted
	// TransitionDisabled means the failure count reached the threshold and the credential was disabled
	TransitionDisabled
)

func (t Transition) String() string {
	switch t {
	case TransitionReset:
		return "reset"
	case TransitionCounted:
		return "counted"
	case TransitionDisabled:
		return "disabled"
	default:
		return "none"
	}
}

// FailureTracker turns reported outcomes into failure count and disabled changes
type FailureTracker struct {
	threshold uint32
	counted   map[types.FailureKind]bool
}

// NewFailureTracker creates a tracker for the given policy
func NewFailureTracker(policy FailurePolicy) (*FailureTracker, error) {
	if policy.Threshold == 0 {
		return nil, fmt.Errorf("failure threshold must be greater than zero")
	}

	counted := map[types.FailureKind]bool{
		types.FailureAuthRejected: true,
	}
	for _, kind := range policy.CountedKinds {
		if _, ok := types.ParseFailureKind(string(kind)); !ok {
			return nil, fmt.Errorf("unknown failure kind %q", kind)
		}
		counted[kind] = true
	}

	return &FailureTracker{
		threshold: policy.Threshold,
		counted:   counted,
	}, nil
}

// Threshold returns the configured disable threshold
func (t *FailureTracker) Threshold() uint32 {
	return t.threshold
}

// Counts reports whether failures of the given kind count toward the threshold
func (t *FailureTracker) Counts(kind types.FailureKind) bool {
	return t.counted[kind]
}

// Apply updates the credential for one outcome. The caller holds the pool write lock.
func (t *FailureTracker) Apply(c *types.Credential, o types.Outcome) Transition {
	if o.Success {
		if c.FailureCount == 0 {
			return TransitionNone
		}
		c.FailureCount = 0
		return TransitionReset
	}

	if !t.Counts(o.Failure) {
		return TransitionNone
	}

	if c.FailureCount < math.MaxUint32 {
		c.FailureCount++
	}

	if !c.Disabled && c.FailureCount >= t.threshold {
		c.Disabled = true
		return TransitionDisabled
	}
	return TransitionCounted
}
