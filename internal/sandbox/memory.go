package sandbox

import (
	"github.com/shirou/gopsutil/v4/process"
)

// maxTreeDepth bounds the child walk when sampling a process tree.
const maxTreeDepth = 8

// sampleTreeRSSKB returns the resident set size of pid and its descendants in
// kilobytes. A process that exits between polls reports zero; peak memory is
// therefore a lower bound for very short runs.
func sampleTreeRSSKB(pid int32) int64 {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0
	}
	return treeRSS(proc, 0) / 1024
}

func treeRSS(proc *process.Process, depth int) int64 {
	var total int64
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		total += int64(mem.RSS)
	}
	if depth >= maxTreeDepth {
		return total
	}
	children, err := proc.Children()
	if err != nil {
		return total
	}
	for _, child := range children {
		total += treeRSS(child, depth+1)
	}
	return total
}
