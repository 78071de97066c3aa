package vm

// Statistics counts trace subsystem events over the process lifetime.
// Execution is single threaded, so the counters need no synchronization.
type Statistics struct {
	RecordingsStarted    uint64
	RecordingsAborted    uint64
	TracesCompiled       uint64
	TraceCompileFailures uint64
	SwitchInterpToAsm    uint64
	SideExits            uint64
}

// Stats is the process-wide statistics instance.
var Stats Statistics

// ResetStats zeroes the process-wide statistics.
func ResetStats() {
	Stats = Statistics{}
}
