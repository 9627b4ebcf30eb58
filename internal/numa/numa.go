// Package numa reads the memory-locality layout of the machine from sysfs and
// binds the calling thread to a node.
package numa

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SysfsRoot is where Linux exposes NUMA nodes.
const SysfsRoot = "/sys/devices/system/node"

// ErrMemoryPolicy is returned by Pin when the thread was bound to the node's
// cpus but its memory policy could not be set.
var ErrMemoryPolicy = errors.New("numa: memory policy not applied")

// ParseList parses a kernel cpu/node list such as "0-3,8,10-11" into sorted,
// de-duplicated ids. An empty list yields no ids.
func ParseList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid list element %q: %w", part, err)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid list element %q: %w", part, err)
			}
		}
		if first < 0 || last < first {
			return nil, fmt.Errorf("invalid list range %q", part)
		}
		for id := first; id <= last; id++ {
			seen[id] = true
		}
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Nodes returns the online node ids below root.
func Nodes(root string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(root, "online"))
	if err != nil {
		return nil, fmt.Errorf("failed to read online nodes: %w", err)
	}
	return ParseList(string(data))
}

// NodeCPUs returns the cpu ids belonging to node.
func NodeCPUs(root string, node int) ([]int, error) {
	path := filepath.Join(root, "node"+strconv.Itoa(node), "cpulist")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpus of node %d: %w", node, err)
	}
	return ParseList(string(data))
}

// Count returns the number of online nodes below root, or 1 when the layout
// cannot be read.
func Count(root string) int {
	nodes, err := Nodes(root)
	if err != nil || len(nodes) == 0 {
		return 1
	}
	return len(nodes)
}
