package jobqueue

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config represents job queue configuration.
type Config struct {
	// Number of worker threads shared by all queues of a group
	// (default: runtime.GOMAXPROCS(0)).
	Threads int

	// Number of memory-locality domains (default: 0, detect from the OS).
	Domains int

	// Placement policy for worker threads (default: PlacementDistribute).
	Placement PlacementPolicy
}

// LoadConfig loads job queue configuration from environment variables.
// It reads the following environment variables:
//   - JOBQUEUE_THREADS: worker thread count (default: GOMAXPROCS)
//   - JOBQUEUE_DOMAINS: locality domain count (default: 0, detect)
//   - JOBQUEUE_PLACEMENT: "distribute", "domain0" or "none" (default: "distribute")
//
// Invalid or non-positive values fall back to the defaults.
func LoadConfig() *Config {
	cfg := &Config{
		Threads:   getEnvInt("JOBQUEUE_THREADS", runtime.GOMAXPROCS(0)),
		Domains:   getEnvInt("JOBQUEUE_DOMAINS", 0),
		Placement: PlacementDistribute,
	}

	if p, err := ParsePlacementPolicy(getEnvString("JOBQUEUE_PLACEMENT", "")); err == nil {
		cfg.Placement = p
	}

	return cfg
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil && intValue > 0 {
			return intValue
		}
	}
	return defaultValue
}

func getEnvString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}
