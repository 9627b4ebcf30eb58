package jobqueue

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/VsevolodSauta/jobqueue/internal/numa"
)

// PlacementPolicy selects where a group places the threads of its queues.
type PlacementPolicy int

const (
	// PlacementDistribute pins queue k to domain k mod Domains().
	PlacementDistribute PlacementPolicy = iota
	// PlacementDomainZero pins every queue to domain 0.
	PlacementDomainZero
	// PlacementNone leaves threads unpinned.
	PlacementNone
)

// String returns the configuration name of the policy.
func (p PlacementPolicy) String() string {
	switch p {
	case PlacementDistribute:
		return "distribute"
	case PlacementDomainZero:
		return "domain0"
	case PlacementNone:
		return "none"
	default:
		return fmt.Sprintf("PlacementPolicy(%d)", int(p))
	}
}

// ParsePlacementPolicy parses the configuration name of a policy.
func ParsePlacementPolicy(s string) (PlacementPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "distribute":
		return PlacementDistribute, nil
	case "domain0", "node0":
		return PlacementDomainZero, nil
	case "none":
		return PlacementNone, nil
	default:
		return PlacementNone, fmt.Errorf("unknown placement policy %q", s)
	}
}

// Topology supplies the hardware facts and the placement directive a Group
// consults before launching its queues.
type Topology interface {
	// Threads is the total number of worker threads available to the group.
	Threads() int
	// Domains is the number of memory-locality domains.
	Domains() int
	// Placement is the placement policy for worker threads.
	Placement() PlacementPolicy
}

// StaticTopology is a fixed Topology. Non-positive counts are read as 1.
type StaticTopology struct {
	ThreadCount int
	DomainCount int
	Policy      PlacementPolicy
}

// Threads implements Topology.
func (t StaticTopology) Threads() int { return max(t.ThreadCount, 1) }

// Domains implements Topology.
func (t StaticTopology) Domains() int { return max(t.DomainCount, 1) }

// Placement implements Topology.
func (t StaticTopology) Placement() PlacementPolicy { return t.Policy }

// DetectTopology builds a topology from cfg, filling unset counts from the
// machine: GOMAXPROCS for threads and the online NUMA nodes for domains.
// A nil cfg is read as the zero Config.
func DetectTopology(cfg *Config) StaticTopology {
	if cfg == nil {
		cfg = &Config{}
	}
	t := StaticTopology{
		ThreadCount: cfg.Threads,
		DomainCount: cfg.Domains,
		Policy:      cfg.Placement,
	}
	if t.ThreadCount <= 0 {
		t.ThreadCount = runtime.GOMAXPROCS(0)
	}
	if t.DomainCount <= 0 {
		t.DomainCount = numa.Count(numa.SysfsRoot)
	}
	return t
}
