// Package config defines the tunables recognized by the orchestration core
// and a YAML loader for static configuration. Component constructors take
// their collaborators (logger, clock, store) in a separate Deps struct;
// Config carries only the semantic knobs that affect behavior.
package config

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every tunable recognized by the orchestration core.
// Zero-valued fields are replaced with Default()'s values by Normalize,
// except QueueCap, for which zero is a valid setting.
type Config struct {
	// MaxConcurrent bounds the number of sessions in {Planning, Running}
	// simultaneously. Default 1 (the desktop is a shared singleton resource).
	MaxConcurrent int `yaml:"max_concurrent"`
	// QueueCap bounds the FIFO admission queue. Default 10.
	QueueCap int `yaml:"queue_cap"`
	// MaxCacheSize bounds the number of entries the plan cache retains. Default 100.
	MaxCacheSize int `yaml:"max_cache_size"`
	// SimThreshold is the minimum cosine similarity counted as a semantic cache hit. Default 0.95.
	SimThreshold float64 `yaml:"sim_threshold"`
	// CacheTTL is how long a cache entry remains eligible for lookup after insertion. Default 24h.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// NMax is the maximum instruction length, in code points, after trimming. Default 10000.
	NMax int `yaml:"n_max"`

	// TPlan bounds a single planner invocation. Default 30s.
	TPlan time.Duration `yaml:"t_plan"`
	// TStep bounds a single executor step. Default 15s.
	TStep time.Duration `yaml:"t_step"`
	// TWindow bounds waiting for window focus during verification. Default 5s.
	TWindow time.Duration `yaml:"t_window"`
	// THist bounds a single history-store append. Default 2s.
	THist time.Duration `yaml:"t_hist"`

	// RPlan is the number of planning attempts (initial + retries). Default 3.
	RPlan int `yaml:"r_plan"`
	// RStep is the number of attempts per subtask (initial + retries). Default 3.
	RStep int `yaml:"r_step"`

	// BPlan is the base backoff duration for planning retries. Default 1s.
	BPlan time.Duration `yaml:"b_plan"`
	// BStep is the base backoff duration for subtask retries. Default 1s.
	BStep time.Duration `yaml:"b_step"`

	// SubBuf is the per-subscriber event buffer depth on the event bus. Default 256.
	SubBuf int `yaml:"sub_buf"`
	// TGrace is how long a terminated session's buffer is retained for late subscribers. Default 30s.
	TGrace time.Duration `yaml:"t_grace"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		MaxConcurrent: 1,
		QueueCap:      10,
		MaxCacheSize:  100,
		SimThreshold:  0.95,
		CacheTTL:      24 * time.Hour,
		NMax:          10_000,
		TPlan:         30 * time.Second,
		TStep:         15 * time.Second,
		TWindow:       5 * time.Second,
		THist:         2 * time.Second,
		RPlan:         3,
		RStep:         3,
		BPlan:         time.Second,
		BStep:         time.Second,
		SubBuf:        256,
		TGrace:        30 * time.Second,
	}
}

// Normalize returns a copy of c with every zero-valued field replaced by its
// default. QueueCap is the exception: zero (no queueing) is kept, and only a
// negative QueueCap is replaced. Callers that build Config by hand (tests, partial YAML documents)
// should call Normalize before constructing components.
func (c Config) Normalize() Config {
	d := Default()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.QueueCap < 0 {
		c.QueueCap = d.QueueCap
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = d.MaxCacheSize
	}
	if c.SimThreshold <= 0 {
		c.SimThreshold = d.SimThreshold
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.NMax <= 0 {
		c.NMax = d.NMax
	}
	if c.TPlan <= 0 {
		c.TPlan = d.TPlan
	}
	if c.TStep <= 0 {
		c.TStep = d.TStep
	}
	if c.TWindow <= 0 {
		c.TWindow = d.TWindow
	}
	if c.THist <= 0 {
		c.THist = d.THist
	}
	if c.RPlan <= 0 {
		c.RPlan = d.RPlan
	}
	if c.RStep <= 0 {
		c.RStep = d.RStep
	}
	if c.BPlan <= 0 {
		c.BPlan = d.BPlan
	}
	if c.BStep <= 0 {
		c.BStep = d.BStep
	}
	if c.SubBuf <= 0 {
		c.SubBuf = d.SubBuf
	}
	if c.TGrace <= 0 {
		c.TGrace = d.TGrace
	}
	return c
}

// Load decodes a YAML document into a Config and normalizes it, filling in
// defaults for any field the document omits.
func Load(r io.Reader) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Config{}, err
	}
	return c.Normalize(), nil
}
