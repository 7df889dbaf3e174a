// Package consensus implements the Byzantine fault tolerant tally over a
// request's running vote counts. The calculator is a pure function, safe
// to invoke on every accepted vote.
package consensus

// Result is the outcome of tallying an approval request at one instant.
type Result struct {
	// Reached is true once either side holds a decisive majority.
	Reached bool `json:"reached"`
	// Approved is true when the approvals hold the majority.
	Approved bool `json:"approved"`
	// Rejected is true when the rejections hold the majority.
	Rejected bool `json:"rejected"`
	// Impossible is true when approval can no longer reach the majority
	// even with every outstanding vote counted in its favor. A request
	// that can never be approved is decided as rejected.
	Impossible bool `json:"impossible"`
	// Percent is the approval share of active (non-abstaining) voters.
	Percent float64 `json:"percent"`
	// MinForMajority is the vote count either side needs to win.
	MinForMajority int `json:"min_for_majority"`
}

// Decisive reports whether the request should leave PENDING.
func (r *Result) Decisive() bool {
	return r.Reached || r.Impossible
}

// Calculate tallies the given counts against the threshold percentage.
//
// Active voters are those whose choice counts (total minus abstains). The
// majority bound is floor(active*threshold/100)+1, so at the default 66.67
// threshold a side needs strictly more than two thirds of active voters.
// An all-abstain round has no active voters and is reported impossible
// rather than dividing by zero.
func Calculate(approval, rejection, abstain, total int, thresholdPercent float64) *Result {
	active := total - abstain
	if active <= 0 {
		return &Result{Impossible: true}
	}

	minForMajority := int(float64(active)*thresholdPercent/100.0) + 1
	remaining := total - approval - rejection - abstain

	res := &Result{
		Approved:       approval >= minForMajority,
		Rejected:       rejection >= minForMajority,
		Percent:        float64(approval) * 100.0 / float64(active),
		MinForMajority: minForMajority,
	}
	res.Reached = res.Approved || res.Rejected
	res.Impossible = !res.Reached && approval+remaining < minForMajority
	return res
}
