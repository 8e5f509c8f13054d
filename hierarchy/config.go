// Package hierarchy builds multi-level coherent cache hierarchies from a
// declarative configuration.
package hierarchy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/comparch-security/cache-model-new/latency"
)

// MonitorConfig describes one monitor attached to a cache.
type MonitorConfig struct {
	// Kind is "counter", "simple", or "zscore".
	Kind string `json:"kind"`

	// Period is the invalidation period of the simple remapper.
	Period uint64 `json:"period,omitempty"`

	// Factor, AccessPeriod, EvictPeriod, and Threshold parameterise the
	// Z-score remapper.
	Factor       float64 `json:"factor,omitempty"`
	AccessPeriod uint64  `json:"access_period,omitempty"`
	EvictPeriod  uint64  `json:"evict_period,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`
}

// LevelConfig describes one level of the hierarchy.
type LevelConfig struct {
	// Name prefixes the cache names of this level; generated when empty.
	Name string `json:"name"`

	// Count is the number of caches at this level.
	Count int `json:"count"`

	// Partitions, IndexWidth, and Ways shape each cache: Partitions
	// independent arrays of 2^IndexWidth sets with Ways ways.
	Partitions int `json:"partitions"`
	IndexWidth int `json:"index_width"`
	Ways       int `json:"ways"`

	// Directory enables sharer tracking in this level's metadata.
	Directory bool `json:"directory"`

	// Exclusive runs this level under the exclusive MSI policy variant:
	// inner caches release every eviction here, and probes reach lines
	// held only in inner levels. Not valid on the first level.
	Exclusive bool `json:"exclusive"`

	// Remap enables dynamic index re-randomization.
	Remap bool `json:"remap"`

	// Replacer is "lru" or "random".
	Replacer string `json:"replacer"`

	// Latency is this level's delay model; nil means no delay.
	Latency *latency.Config `json:"latency,omitempty"`

	// Monitors are attached in order.
	Monitors []MonitorConfig `json:"monitors,omitempty"`
}

// Config describes a whole hierarchy, inner level first.
type Config struct {
	// AddressWidth is the modeled physical address width.
	AddressWidth int `json:"address_width"`

	// Levels lists the cache levels from L1 to LLC.
	Levels []LevelConfig `json:"levels"`

	// MemoryLatency is the flat terminal access latency.
	MemoryLatency uint64 `json:"memory_latency"`

	// RandSeed drives every random stream for reproducible runs.
	RandSeed int64 `json:"rand_seed"`
}

// DefaultConfig returns a two-level hierarchy: two private L1s under one
// remapping skewed LLC.
func DefaultConfig() *Config {
	return &Config{
		AddressWidth: 48,
		Levels: []LevelConfig{
			{
				Name:       "l1",
				Count:      2,
				Partitions: 1,
				IndexWidth: 6,
				Ways:       8,
				Replacer:   "lru",
				Latency:    &latency.Config{HitLatency: 3, MissLatency: 1, ReplaceLatency: 1, WritebackLatency: 4},
			},
			{
				Name:       "llc",
				Count:      1,
				Partitions: 2,
				IndexWidth: 8,
				Ways:       8,
				Remap:      true,
				Replacer:   "lru",
				Latency:    &latency.Config{HitLatency: 18, MissLatency: 4, ReplaceLatency: 2, WritebackLatency: 20},
				Monitors: []MonitorConfig{
					{Kind: "zscore", Factor: 0.2, AccessPeriod: 10000, EvictPeriod: 100000, Threshold: 20},
				},
			},
		},
		MemoryLatency: 150,
		RandSeed:      1,
	}
}

// LoadConfig loads a Config from a JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hierarchy config file: %w", err)
	}

	config := &Config{}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse hierarchy config: %w", err)
	}

	return config, nil
}

// SaveConfig writes the Config to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize hierarchy config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write hierarchy config file: %w", err)
	}

	return nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if c.AddressWidth <= 0 || c.AddressWidth > 64 {
		return fmt.Errorf("address_width %d out of range", c.AddressWidth)
	}
	if len(c.Levels) == 0 {
		return fmt.Errorf("at least one cache level is required")
	}
	prevCount := 0
	for i, lv := range c.Levels {
		if lv.Count <= 0 {
			return fmt.Errorf("level %d: count must be positive", i)
		}
		if lv.Partitions <= 0 {
			return fmt.Errorf("level %d: partitions must be positive", i)
		}
		if lv.IndexWidth < 0 || lv.IndexWidth > 28 {
			return fmt.Errorf("level %d: index_width %d out of range", i, lv.IndexWidth)
		}
		if lv.Ways <= 0 {
			return fmt.Errorf("level %d: ways must be positive", i)
		}
		switch lv.Replacer {
		case "", "lru", "random":
		default:
			return fmt.Errorf("level %d: unknown replacer %q", i, lv.Replacer)
		}
		if lv.Exclusive && i == 0 {
			return fmt.Errorf("level %d: the innermost level cannot be exclusive", i)
		}
		if i > 0 && prevCount < lv.Count {
			return fmt.Errorf("level %d: fan-in widens from %d to %d caches", i, prevCount, lv.Count)
		}
		if i > 0 && prevCount%lv.Count != 0 {
			return fmt.Errorf("level %d: %d inner caches do not divide evenly over %d", i, prevCount, lv.Count)
		}
		prevCount = lv.Count
	}
	return nil
}
