// Package stage turns pipeline stage definitions into launchers: each
// adapter renders a job script for one work item and submits it to a
// scheduler.
package stage

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/wehubfusion/subtimizer/pkg/job"
	"gopkg.in/yaml.v3"
)

// Stage names.
const (
	Fold           = "fold"
	FoldValidation = "fold-validation"
	Design         = "design"
	Cluster        = "cluster"
	FixPDB         = "fix-pdb"
	Validate       = "validate"
	IPSAE          = "ipsae"
)

//go:embed stages.yaml
var builtinStages []byte

// Definition describes one stage.
type Definition struct {
	Name        string            `yaml:"-"`
	Description string            `yaml:"description"`
	WorkDir     string            `yaml:"workdir"`
	Script      string            `yaml:"script"`
	Resources   job.Resources     `yaml:"resources"`
	Params      map[string]string `yaml:"params"`
	Required    []string          `yaml:"required"`
	// MaxJobs is the stage's default concurrency; zero means the global
	// default.
	MaxJobs int `yaml:"max_jobs"`
}

// Config is the full set of stage definitions.
type Config struct {
	Defaults job.Resources         `yaml:"defaults"`
	Stages   map[string]Definition `yaml:"stages"`
}

// Parse decodes a stage YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse stage config: %w", err)
	}
	for name, def := range cfg.Stages {
		def.Name = name
		cfg.Stages[name] = def
	}
	return &cfg, nil
}

// DefaultConfig returns the built-in stage definitions.
func DefaultConfig() (*Config, error) {
	return Parse(builtinStages)
}

// LoadConfig reads path and merges it over the built-in definitions. An
// empty path returns the built-ins.
func LoadConfig(path string) (*Config, error) {
	base, err := DefaultConfig()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage config: %w", err)
	}
	override, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base.merge(override)
	return base, nil
}

func (c *Config) merge(o *Config) {
	c.Defaults = o.Defaults.Merge(c.Defaults)
	if c.Stages == nil {
		c.Stages = make(map[string]Definition)
	}
	for name, def := range o.Stages {
		cur, ok := c.Stages[name]
		if !ok {
			c.Stages[name] = def
			continue
		}
		if def.Description != "" {
			cur.Description = def.Description
		}
		if def.WorkDir != "" {
			cur.WorkDir = def.WorkDir
		}
		if def.Script != "" {
			cur.Script = def.Script
		}
		if def.MaxJobs > 0 {
			cur.MaxJobs = def.MaxJobs
		}
		if len(def.Required) > 0 {
			cur.Required = def.Required
		}
		cur.Resources = def.Resources.Merge(cur.Resources)
		if cur.Params == nil {
			cur.Params = make(map[string]string)
		}
		for k, v := range def.Params {
			cur.Params[k] = v
		}
		c.Stages[name] = cur
	}
}

// Stage returns the definition for name with defaults applied.
func (c *Config) Stage(name string) (Definition, error) {
	def, ok := c.Stages[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown stage %q (known: %v)", name, c.Names())
	}
	def.Resources = def.Resources.Merge(c.Defaults)
	params := make(map[string]string, len(def.Params))
	for k, v := range def.Params {
		params[k] = v
	}
	def.Params = params
	return def, nil
}

// Names returns the stage names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Stages))
	for name := range c.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
