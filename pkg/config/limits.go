package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/uicp/compute-core/pkg/policy"
)

// LimitsFile is the on-disk YAML shape for overriding policy.DefaultBounds,
// grounded on the original implementation's config/limits module: operators
// ship a single limits.yaml next to the binary rather than setting half a
// dozen environment variables.
type LimitsFile struct {
	DefaultTimeoutMs int64  `yaml:"default_timeout_ms"`
	MaxTimeoutMs     int64  `yaml:"max_timeout_ms"`
	DefaultMemMb     int64  `yaml:"default_mem_mb"`
	MaxMemMb         int64  `yaml:"max_mem_mb"`
	DefaultFuel      uint64 `yaml:"default_fuel"`
	MaxFuel          uint64 `yaml:"max_fuel"`
}

// LoadLimits reads a limits.yaml at path, falling back to
// policy.DefaultBounds entirely when the file doesn't exist.
func LoadLimits(path string) (policy.Bounds, error) {
	bounds := policy.DefaultBounds()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return bounds, nil
	}
	if err != nil {
		return bounds, fmt.Errorf("config: read limits file %s: %w", path, err)
	}

	var lf LimitsFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return bounds, fmt.Errorf("config: parse limits file %s: %w", path, err)
	}

	if lf.DefaultTimeoutMs > 0 {
		bounds.DefaultTimeoutMs = lf.DefaultTimeoutMs
	}
	if lf.MaxTimeoutMs > 0 {
		bounds.MaxTimeoutMs = lf.MaxTimeoutMs
	}
	if lf.DefaultMemMb > 0 {
		bounds.DefaultMemMb = lf.DefaultMemMb
	}
	if lf.MaxMemMb > 0 {
		bounds.MaxMemMb = lf.MaxMemMb
	}
	if lf.DefaultFuel > 0 {
		bounds.DefaultFuel = lf.DefaultFuel
	}
	if lf.MaxFuel > 0 {
		bounds.MaxFuel = lf.MaxFuel
	}
	return bounds, nil
}
