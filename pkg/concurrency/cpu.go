package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// SetMaxProcs matches GOMAXPROCS to the container or cgroup CPU quota so
// EffectiveCPUs reflects what the process may actually use. The returned
// function restores the previous value.
func SetMaxProcs(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf))
	if err != nil {
		logger.Warn("Failed to set GOMAXPROCS from CPU quota", zap.Error(err))
		return func() {}
	}
	return undo
}

// EffectiveCPUs returns the CPUs available to this process.
func EffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}

// LocalJobLimit caps maxJobs at the CPU count: local jobs share this
// machine, cluster jobs do not.
func LocalJobLimit(maxJobs int) int {
	return max(1, min(maxJobs, EffectiveCPUs()))
}
