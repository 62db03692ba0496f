package splitgraph

import "github.com/si-workspace/snapgraph/pkg/shared/errors"

// Config controls SplitGraph partitioning policy. The original source
// leaves the new-partition threshold undocumented; this is the explicit,
// validated resolution of that open question (see DESIGN.md).
type Config struct {
	// PartitionThreshold is the maximum live node count of the "active"
	// subgraph before a new one is opened for subsequent AddNode calls.
	PartitionThreshold int
}

// DefaultConfig returns the documented default partition threshold.
func DefaultConfig() Config {
	return Config{PartitionThreshold: 4096}
}

// Validate rejects a non-positive threshold.
func (c Config) Validate() error {
	if c.PartitionThreshold <= 0 {
		return errors.ConfigurationError("partition_threshold", "must be a positive integer")
	}
	return nil
}
