// Package jit implements the trace subsystem: hot-branch counting, trace
// recording with guard capture, and compilation of closed traces into
// fragments that run in place of interpretation until a guard fails.
package jit

import "github.com/JackBro/lambdachine/object"

// NumCounters is the size of the branch-target buffer. The buffer is a
// lossy hash: two targets may share a counter, which can only make a
// target hot sooner, never prevent it from becoming hot.
const NumCounters = 64

// HotCounters tallies executions per branch target. A target whose
// counter reaches the threshold triggers trace recording exactly once;
// the counter is reset so a later abort can re-trigger.
type HotCounters struct {
	counts    [NumCounters]uint16
	threshold uint16
}

// NewHotCounters creates a counter buffer with the given hot threshold.
func NewHotCounters(threshold uint16) *HotCounters {
	return &HotCounters{threshold: threshold}
}

func (hc *HotCounters) slot(pc object.Word) int {
	return int((pc ^ pc>>16) & (NumCounters - 1))
}

// Tick counts one arrival at the target and reports whether it just
// became hot. A hot counter resets on triggering.
func (hc *HotCounters) Tick(pc object.Word) bool {
	i := hc.slot(pc)
	hc.counts[i]++
	if hc.counts[i] >= hc.threshold {
		hc.counts[i] = 0
		return true
	}
	return false
}

// Reset clears the counter for the target, after an abort or a
// successful compilation.
func (hc *HotCounters) Reset(pc object.Word) {
	hc.counts[hc.slot(pc)] = 0
}

// Count returns the current tally for the target.
func (hc *HotCounters) Count(pc object.Word) uint16 {
	return hc.counts[hc.slot(pc)]
}
