package ledger

// applyReputation runs the reputation state machine for one evaluation window.
// The delta is clamped into [0, MaxReputation]. An unreliable window that
// leaves the score below DeactivationThreshold deactivates the node; otherwise
// a reliable window lifts an inactive node with a score of at least
// ReactivationThreshold back to active.
func applyReputation(reputation int, active bool, delta int64, reliable bool) (int, bool) {
	switch {
	case delta > 0:
		if delta >= int64(MaxReputation-reputation) {
			reputation = MaxReputation
		} else {
			reputation += int(delta)
		}
	case delta < 0:
		if delta <= -int64(reputation) {
			reputation = 0
		} else {
			reputation += int(delta)
		}
	}

	if !reliable && reputation < DeactivationThreshold {
		active = false
	} else if reliable && !active && reputation >= ReactivationThreshold {
		active = true
	}
	return reputation, active
}
