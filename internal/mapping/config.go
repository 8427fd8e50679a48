// Copyright 2025 TableFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mapping

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"tablefs/internal/common"
)

// DefaultWriteBufferMax is the write-coalescing buffer cap when the
// config does not set one. Matches the 2MiB default of the FUSE-era
// implementations of this idea.
const DefaultWriteBufferMax = 2 * 1024 * 1024

// DefaultListen is the default NFS listen address.
const DefaultListen = "127.0.0.1:20490"

// Config is the on-disk YAML configuration.
type Config struct {
	Database string `yaml:"database" validate:"required"`
	Listen   string `yaml:"listen"`
	ReadOnly bool   `yaml:"read_only"`

	WriteBuffer WriteBufferConfig `yaml:"write_buffer"`

	// Defaults is merged into every namespace before validation,
	// so shared column conventions are written once.
	Defaults *NamespaceConfig `yaml:"defaults"`

	Namespaces map[string]*NamespaceConfig `yaml:"namespaces" validate:"required,min=1"`
}

// WriteBufferConfig tunes the write-coalescing cache.
type WriteBufferConfig struct {
	// MaxSize caps the buffered bytes per open file; reaching it forces
	// a flush before more data is accepted.
	MaxSize int `yaml:"max_size" validate:"omitempty,min=4096"`
	// GapSlack is the forward gap (bytes past the high-water mark)
	// still merged into the current run. Anything larger flushes first.
	GapSlack int `yaml:"gap_slack" validate:"min=0"`
}

// NamespaceConfig declares one exposed namespace: the backing table,
// its column bindings, the enabled operations and any per-operation
// statement overrides.
type NamespaceConfig struct {
	Table          string `yaml:"table"`
	IDColumn       string `yaml:"id_column"`
	NameColumn     string `yaml:"name_column"`
	ContentColumn  string `yaml:"content_column"`
	LengthColumn   string `yaml:"length_column"`
	CreatedColumn  string `yaml:"created_column"`
	ModifiedColumn string `yaml:"modified_column"`

	// ReadOnly is a pointer so a namespace can override the defaults
	// section in either direction.
	ReadOnly *bool `yaml:"read_only"`

	Operations []string          `yaml:"operations"`
	Queries    map[string]string `yaml:"queries"`
}

// applyDefaults merges the defaults section into the namespace and
// fills the remaining zero fields with conventional values.
func (nc *NamespaceConfig) applyDefaults(d *NamespaceConfig) {
	if d != nil {
		if nc.Table == "" {
			nc.Table = d.Table
		}
		if nc.IDColumn == "" {
			nc.IDColumn = d.IDColumn
		}
		if nc.NameColumn == "" {
			nc.NameColumn = d.NameColumn
		}
		if nc.ContentColumn == "" {
			nc.ContentColumn = d.ContentColumn
		}
		if nc.LengthColumn == "" {
			nc.LengthColumn = d.LengthColumn
		}
		if nc.CreatedColumn == "" {
			nc.CreatedColumn = d.CreatedColumn
		}
		if nc.ModifiedColumn == "" {
			nc.ModifiedColumn = d.ModifiedColumn
		}
		if nc.ReadOnly == nil {
			nc.ReadOnly = d.ReadOnly
		}
		if nc.Operations == nil {
			nc.Operations = append([]string(nil), d.Operations...)
		}
	}
	if nc.IDColumn == "" {
		nc.IDColumn = "id"
	}
	if nc.NameColumn == "" {
		nc.NameColumn = "name"
	}
	if nc.ContentColumn == "" {
		nc.ContentColumn = "data"
	}
	if nc.LengthColumn == "" {
		nc.LengthColumn = "length"
	}
	if nc.Operations == nil {
		nc.Operations = []string{"lookup", "list", "read", "stat"}
	}
}

// ApplyDefaults fills zero-value fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.WriteBuffer.MaxSize == 0 {
		c.WriteBuffer.MaxSize = DefaultWriteBufferMax
	}
	for _, nc := range c.Namespaces {
		nc.applyDefaults(c.Defaults)
	}
}

// LoadConfig reads and parses the YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies defaults and runs
// struct-level validation. Mapping-level validation (templates, prefix
// uniqueness) happens in Load.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %v: %w", err, common.ErrConfig)
	}
	cfg.ApplyDefaults()
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %v: %w", err, common.ErrConfig)
	}
	return &cfg, nil
}
