package borg

import "strconv"

// reconnect tracks the retry state of one job across supervised attempts.
// The lock-wait mutation is applied at most once per job, no matter how many
// reconnect cycles occur; the attempt counter resets whenever a new cycle
// begins.
type reconnect struct {
	tune            Tuning
	retries         int
	lockWaitApplied bool
}

func newReconnect(tune Tuning) *reconnect {
	return &reconnect{tune: tune}
}

// prepare mutates the call template for retried attempts: the first
// connection failure of a job extends the repository lock wait, so a retry
// tolerates the previous attempt's lock still draining.
func (r *reconnect) prepare(call *Call) {
	if r.lockWaitApplied {
		return
	}
	r.lockWaitApplied = true
	call.AddOptions("--lock-wait", strconv.Itoa(int(r.tune.LockWaitReconnect.Seconds())))
}

// reset starts a new reconnect cycle.
func (r *reconnect) reset() {
	r.retries = 0
}

// next reports whether another attempt may run and counts it.
func (r *reconnect) next() bool {
	if r.retries >= r.tune.MaxReconnect {
		return false
	}
	r.retries++
	return true
}
