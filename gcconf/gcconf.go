// Package gcconf holds the tunables of the collection engine.
//
// Configuration can come from three places, later ones winning:
// compiled-in defaults, a YAML file, and a JSON override blob (the form in
// which an embedding runtime typically hands down its own settings).
package gcconf

import (
	"bytes"
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"github.com/tidwall/gjson"
	yaml "gopkg.in/yaml.v2"
)

// WordBytes is the size of one heap word. All object and region sizes are
// expressed in words of this size.
const WordBytes = 8

// Config is the full set of engine tunables.
type Config struct {
	// HeapSize and RegionSize are human-readable byte sizes ("64MB", "256KB").
	HeapSize   string `yaml:"heap-size"`
	RegionSize string `yaml:"region-size"`

	// Workers is the number of parallel marking/compaction workers.
	Workers int `yaml:"workers"`

	// MinArrayChunking is the smallest array length (in elements) that is
	// split into stealable chunks. Arrays at or below it are scanned as one
	// task.
	MinArrayChunking int `yaml:"min-array-chunking"`

	// ArrayChunkSize is the number of elements processed per partial array
	// task. It bounds the cost of a single stolen task.
	ArrayChunkSize int `yaml:"array-chunk-size"`

	// StatsCacheEntries is the size of the per-worker marking stats cache.
	// Must be a power of two.
	StatsCacheEntries int `yaml:"stats-cache-entries"`

	// LogLevel selects engine logging verbosity (off, error, warn, info,
	// debug).
	LogLevel string `yaml:"log-level"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		HeapSize:          "64MB",
		RegionSize:        "256KB",
		Workers:           4,
		MinArrayChunking:  1024,
		ArrayChunkSize:    512,
		StatsCacheEntries: 1024,
		LogLevel:          "off",
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("gcconf: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses YAML config data and merges it over the defaults.
func LoadBytes(data []byte) (Config, error) {
	config := Default()
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("gcconf: parsing config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// ParseOverrides applies a JSON override blob on top of c. Only keys present
// in the blob are touched. An empty blob is a no-op.
func (c *Config) ParseOverrides(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("gcconf: invalid json: %q", data)
	}
	j := gjson.ParseBytes(data)
	if v := j.Get("heap-size"); v.Exists() {
		c.HeapSize = v.String()
	}
	if v := j.Get("region-size"); v.Exists() {
		c.RegionSize = v.String()
	}
	if v := j.Get("workers"); v.Exists() {
		c.Workers = int(v.Int())
	}
	if v := j.Get("min-array-chunking"); v.Exists() {
		c.MinArrayChunking = int(v.Int())
	}
	if v := j.Get("array-chunk-size"); v.Exists() {
		c.ArrayChunkSize = int(v.Int())
	}
	if v := j.Get("stats-cache-entries"); v.Exists() {
		c.StatsCacheEntries = int(v.Int())
	}
	if v := j.Get("log-level"); v.Exists() {
		c.LogLevel = v.String()
	}
	return c.Validate()
}

// Validate reports the first configuration error, if any.
func (c *Config) Validate() error {
	heapBytes, err := bytesize.Parse(c.HeapSize)
	if err != nil {
		return fmt.Errorf("gcconf: heap-size: %w", err)
	}
	regionBytes, err := bytesize.Parse(c.RegionSize)
	if err != nil {
		return fmt.Errorf("gcconf: region-size: %w", err)
	}
	if regionBytes == 0 || uint64(regionBytes)%WordBytes != 0 {
		return fmt.Errorf("gcconf: region-size %s must be a non-zero multiple of %d bytes", c.RegionSize, WordBytes)
	}
	if heapBytes < regionBytes {
		return fmt.Errorf("gcconf: heap-size %s smaller than one region (%s)", c.HeapSize, c.RegionSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("gcconf: workers must be at least 1, got %d", c.Workers)
	}
	if c.MinArrayChunking < 1 {
		return fmt.Errorf("gcconf: min-array-chunking must be at least 1, got %d", c.MinArrayChunking)
	}
	if c.ArrayChunkSize < 1 {
		return fmt.Errorf("gcconf: array-chunk-size must be at least 1, got %d", c.ArrayChunkSize)
	}
	if c.StatsCacheEntries < 1 || c.StatsCacheEntries&(c.StatsCacheEntries-1) != 0 {
		return fmt.Errorf("gcconf: stats-cache-entries must be a power of two, got %d", c.StatsCacheEntries)
	}
	return nil
}

// RegionWords returns the configured region size in words.
func (c *Config) RegionWords() int {
	n, _ := bytesize.Parse(c.RegionSize)
	return int(uint64(n) / WordBytes)
}

// RegionCount returns how many whole regions fit in the configured heap.
func (c *Config) RegionCount() int {
	heapBytes, _ := bytesize.Parse(c.HeapSize)
	regionBytes, _ := bytesize.Parse(c.RegionSize)
	return int(uint64(heapBytes) / uint64(regionBytes))
}
