package sandbox

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	memUsageRe = regexp.MustCompile(`(\d+\.?\d*)(MiB|GiB)\s*/\s*(\d+\.?\d*)(MiB|GiB)`)
	netIORe    = regexp.MustCompile(`(\d+\.?\d*)(B|kB|MB|GB)\s*/\s*(\d+\.?\d*)(B|kB|MB|GB)`)
)

// memoryUnitMB converts memory units reported by stats to megabytes
var memoryUnitMB = map[string]float64{
	"MiB": 1,
	"GiB": 1024,
}

// networkUnitBytes converts network units reported by stats to bytes
var networkUnitBytes = map[string]float64{
	"B":  1,
	"kB": 1024,
	"MB": 1024 * 1024,
	"GB": 1024 * 1024 * 1024,
}

// ParseStats parses one "CPU%,MEM usage / limit,NET rx / tx" stats line.
// Parsing is lenient: a field that does not match is left at zero and
// reported in the returned errors, and the remaining fields are still
// filled in.
func ParseStats(line string) (ResourceMetrics, []error) {
	var (
		m    ResourceMetrics
		errs []error
	)

	parts := strings.SplitN(strings.TrimSpace(line), ",", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}

	cpu, err := ParseCPU(parts[0])
	if err != nil {
		errs = append(errs, err)
	}
	m.CPU = cpu

	m.Memory, m.MemoryLimit, err = ParseMemory(parts[1])
	if err != nil {
		errs = append(errs, err)
	}

	m.NetworkRx, m.NetworkTx, err = ParseNetwork(parts[2])
	if err != nil {
		errs = append(errs, err)
	}

	return m, errs
}

// ParseCPU parses "12.34%" into 12.34
func ParseCPU(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0, &MetricsFieldError{Field: "cpu", Input: s}
	}
	return v, nil
}

// ParseMemory parses "123.4MiB / 2GiB" into usage and limit in megabytes
func ParseMemory(s string) (usage, limit float64, err error) {
	match := memUsageRe.FindStringSubmatch(s)
	if match == nil {
		return 0, 0, &MetricsFieldError{Field: "memory", Input: s}
	}
	usage = mustFloat(match[1]) * memoryUnitMB[match[2]]
	limit = mustFloat(match[3]) * memoryUnitMB[match[4]]
	return usage, limit, nil
}

// ParseNetwork parses "1.2kB / 3.4kB" into received and transmitted bytes
func ParseNetwork(s string) (rx, tx float64, err error) {
	match := netIORe.FindStringSubmatch(s)
	if match == nil {
		return 0, 0, &MetricsFieldError{Field: "network", Input: s}
	}
	rx = mustFloat(match[1]) * networkUnitBytes[match[2]]
	tx = mustFloat(match[3]) * networkUnitBytes[match[4]]
	return rx, tx, nil
}

// ParseDiskUsage parses `du -sm` output ("123\t/workspace") into megabytes
func ParseDiskUsage(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, &MetricsFieldError{Field: "disk", Input: s}
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, &MetricsFieldError{Field: "disk", Input: s}
	}
	return v, nil
}

// mustFloat parses text already matched by \d+\.?\d*
func mustFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
