package pool

import "github.com/credential-pool/internal/types"

// Select returns the id of the best enabled credential: lowest priority, then lowest id.
// Failure count is not considered. ok is false when no credential is enabled.
func Select(records []*types.Credential) (id uint64, ok bool) {
	var best *types.Credential
	for _, c := range records {
		if c == nil || c.Disabled {
			continue
		}
		if best == nil || outranks(c, best) {
			best = c
		}
	}
	if best == nil {
		return 0, false
	}
	return best.ID, true
}

func outranks(a, b *types.Credential) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}
