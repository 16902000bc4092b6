package ledger

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyReputation(t *testing.T) {
	tests := []struct {
		name       string
		reputation int
		active     bool
		delta      int64
		reliable   bool
		wantRep    int
		wantActive bool
	}{
		{name: "increase", reputation: 100, active: true, delta: 20, reliable: true, wantRep: 120, wantActive: true},
		{name: "clamp at max", reputation: 190, active: true, delta: 50, reliable: true, wantRep: 200, wantActive: true},
		{name: "huge delta clamps", reputation: 100, active: true, delta: math.MaxInt64, reliable: true, wantRep: 200, wantActive: true},
		{name: "floor at zero", reputation: 30, active: true, delta: -40, reliable: false, wantRep: 0, wantActive: false},
		{name: "huge negative floors", reputation: 30, active: true, delta: math.MinInt64, reliable: true, wantRep: 0, wantActive: true},
		{name: "unreliable below threshold deactivates", reputation: 100, active: true, delta: -60, reliable: false, wantRep: 40, wantActive: false},
		{name: "unreliable at threshold stays active", reputation: 100, active: true, delta: -50, reliable: false, wantRep: 50, wantActive: true},
		{name: "reliable below threshold stays active", reputation: 100, active: true, delta: -51, reliable: true, wantRep: 49, wantActive: true},
		{name: "reliable reaches reactivation", reputation: 40, active: false, delta: 35, reliable: true, wantRep: 75, wantActive: true},
		{name: "reliable short of reactivation", reputation: 40, active: false, delta: 34, reliable: true, wantRep: 74, wantActive: false},
		{name: "unreliable high score stays inactive", reputation: 40, active: false, delta: 60, reliable: false, wantRep: 100, wantActive: false},
		{name: "zero delta reliable reactivates", reputation: 80, active: false, delta: 0, reliable: true, wantRep: 80, wantActive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, active := applyReputation(tt.reputation, tt.active, tt.delta, tt.reliable)
			assert.Equal(t, tt.wantRep, rep)
			assert.Equal(t, tt.wantActive, active)
		})
	}
}
