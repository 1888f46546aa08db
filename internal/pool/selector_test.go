package pool

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/credential-pool/internal/types"
)

func cred(id uint64, priority uint32, disabled bool) *types.Credential {
	return &types.Credential{ID: id, Priority: priority, Disabled: disabled}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		records []*types.Credential
		wantID  uint64
		wantOK  bool
	}{
		{name: "empty", records: nil},
		{name: "all disabled", records: []*types.Credential{cred(1, 0, true), cred(2, 0, true)}},
		{name: "lowest priority wins", records: []*types.Credential{cred(1, 5, false), cred(2, 1, false)}, wantID: 2, wantOK: true},
		{name: "tie by lowest id", records: []*types.Credential{cred(9, 1, false), cred(4, 1, false), cred(7, 1, false)}, wantID: 4, wantOK: true},
		{name: "disabled skipped", records: []*types.Credential{cred(1, 0, true), cred(2, 3, false)}, wantID: 2, wantOK: true},
		{
			name: "failure count is not a tie-break",
			records: []*types.Credential{
				{ID: 1, Priority: 1, FailureCount: 2},
				{ID: 2, Priority: 1},
			},
			wantID: 1,
			wantOK: true,
		},
		{name: "nil entries ignored", records: []*types.Credential{nil, cred(3, 0, false)}, wantID: 3, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := Select(tt.records)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestSelectProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("selected record is enabled and nothing enabled outranks it", prop.ForAll(
		func(priorities []uint32, disabled []bool) bool {
			n := len(priorities)
			if len(disabled) < n {
				n = len(disabled)
			}
			records := make([]*types.Credential, n)
			enabled := 0
			for i := 0; i < n; i++ {
				records[i] = cred(uint64(n-i), priorities[i], disabled[i])
				if !disabled[i] {
					enabled++
				}
			}

			id, ok := Select(records)
			if !ok {
				return enabled == 0
			}

			var chosen *types.Credential
			for _, r := range records {
				if r.ID == id {
					chosen = r
				}
			}
			if chosen == nil || chosen.Disabled {
				return false
			}
			for _, r := range records {
				if !r.Disabled && outranks(r, chosen) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt32Range(0, 4)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
