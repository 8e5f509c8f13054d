// Package latency provides delay models for cache accesses. A model
// contributes cycles at the access, replacement, and writeback points; the
// ports accumulate the contributions outward.
package latency

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the latency values of one hierarchy level.
type Config struct {
	// HitLatency is charged on every lookup that hits.
	HitLatency uint64 `json:"hit_latency"`

	// MissLatency is charged on a lookup that misses, before the outer
	// level contributes its own latency.
	MissLatency uint64 `json:"miss_latency"`

	// ReplaceLatency is charged when a victim line is evicted.
	ReplaceLatency uint64 `json:"replace_latency"`

	// WritebackLatency is charged when a dirty line is written outward.
	WritebackLatency uint64 `json:"writeback_latency"`
}

// DefaultConfig returns latency values for a small on-chip cache.
func DefaultConfig() *Config {
	return &Config{
		HitLatency:       3,
		MissLatency:      1,
		ReplaceLatency:   1,
		WritebackLatency: 4,
	}
}

// LoadConfig loads a Config from a JSON file, filling unset fields from
// the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read latency config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse latency config: %w", err)
	}

	return config, nil
}

// SaveConfig writes the Config to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize latency config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write latency config file: %w", err)
	}

	return nil
}

// Validate checks that hit service time is modeled.
func (c *Config) Validate() error {
	if c.HitLatency == 0 {
		return fmt.Errorf("hit_latency must be > 0")
	}
	return nil
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
