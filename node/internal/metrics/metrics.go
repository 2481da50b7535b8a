// Package metrics collects host resource utilization reported to the host
// at registration and on every heartbeat via ReportState. Values are
// folded straight into AgentInfo.Metadata, a plain map[string]string, so
// Collect returns string-formatted values rather than a dedicated struct.
package metrics

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Collect returns a snapshot of current host resource usage as percentages
// (0-100), stringified for AgentInfo.Metadata. A failed sample is simply
// omitted from the map rather than reported as a misleading zero.
func Collect() map[string]string {
	out := make(map[string]string, 3)

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		out["cpuPercent"] = fmt.Sprintf("%.1f", pcts[0])
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		out["memPercent"] = fmt.Sprintf("%.1f", vm.UsedPercent)
	}

	if du, err := disk.Usage("/"); err == nil {
		out["diskPercent"] = fmt.Sprintf("%.1f", du.UsedPercent)
	}

	return out
}
