package deps

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// HostRequirements bounds the machine-level preflight checks.
type HostRequirements struct {
	// RequireRoot demands euid 0. Server installs write under system
	// prefixes and register units, so this is on by default.
	RequireRoot bool

	// MinFreeDiskMB is the minimum free space at Path, in megabytes.
	MinFreeDiskMB uint64

	// MinMemoryMB is the minimum total system memory, in megabytes.
	MinMemoryMB uint64

	// Path is where free disk space is measured (the install prefix's
	// nearest existing ancestor).
	Path string
}

// CheckHost validates machine-level requirements and returns failures in
// the same shape as tool validation.
func CheckHost(req HostRequirements) []Failure {
	var failures []Failure

	if req.RequireRoot && os.Geteuid() != 0 {
		failures = append(failures, Failure{
			Tool:   "privilege",
			Reason: "must run as root to install under a system prefix",
		})
	}

	if req.MinFreeDiskMB > 0 {
		free, err := freeDiskMB(req.Path)
		switch {
		case err != nil:
			failures = append(failures, Failure{Tool: "disk", Reason: err.Error()})
		case free < req.MinFreeDiskMB:
			failures = append(failures, Failure{
				Tool:   "disk",
				Reason: fmt.Sprintf("%d MB free at %s, need %d MB", free, req.Path, req.MinFreeDiskMB),
			})
		}
	}

	if req.MinMemoryMB > 0 {
		total, err := totalMemoryMB()
		switch {
		case err != nil:
			failures = append(failures, Failure{Tool: "memory", Reason: err.Error()})
		case total < req.MinMemoryMB:
			failures = append(failures, Failure{
				Tool:   "memory",
				Reason: fmt.Sprintf("%d MB total memory, need %d MB", total, req.MinMemoryMB),
			})
		}
	}

	return failures
}

// freeDiskMB reports free space at path, walking up to the nearest existing
// ancestor so a not-yet-created prefix still measures its filesystem.
func freeDiskMB(path string) (uint64, error) {
	probe := path
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := parentDir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(probe, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", probe, err)
	}
	return stat.Bavail * uint64(stat.Bsize) / (1024 * 1024), nil
}

func parentDir(path string) string {
	trimmed := strings.TrimRight(path, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx <= 0 {
		return "/"
	}
	return trimmed[:idx]
}

// totalMemoryMB reads MemTotal from /proc/meminfo.
func totalMemoryMB() (uint64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("reading meminfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing MemTotal: %w", err)
		}
		return kb / 1024, nil
	}
	return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
}
