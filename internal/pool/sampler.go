package pool

import (
	"github.com/shirou/gopsutil/v4/process"
)

// MemorySampler reports a process's resident memory in megabytes.
type MemorySampler interface {
	MemoryMB(pid int32) (float64, error)
}

// ProcessSampler reads RSS from the OS via gopsutil.
type ProcessSampler struct{}

// MemoryMB implements MemorySampler.
func (ProcessSampler) MemoryMB(pid int32) (float64, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(info.RSS) / (1 << 20), nil
}

var _ MemorySampler = ProcessSampler{}
