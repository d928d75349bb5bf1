// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"bytes"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// MaxJITLenEnvVar overrides Config.MaxJITLen in DefaultConfig.
	MaxJITLenEnvVar = "LAZYJIT_MAX_JIT_LEN"

	// MaxBuffersEnvVar overrides Config.MaxBuffers in DefaultConfig.
	MaxBuffersEnvVar = "LAZYJIT_MAX_BUFFERS"

	// MaxBytesEnvVar overrides Config.MaxBytes in DefaultConfig, e.g. "64MiB".
	MaxBytesEnvVar = "LAZYJIT_MAX_BYTES"

	DefaultMaxJITLen  = 100
	DefaultMaxBuffers = 50
)

// Config holds the fusion limits of an Evaluator: a graph exceeding any of them is split in more than
// one kernel.
type Config struct {
	// MaxJITLen is the maximum number of nodes fused in one kernel.
	MaxJITLen int

	// MaxBuffers is the maximum number of distinct buffers read by one kernel.
	MaxBuffers int

	// MaxBytes is the maximum number of bytes read by one kernel. 0 means no limit.
	MaxBytes int64
}

// DefaultConfig returns the default Config, adjusted by the environment variables MaxJITLenEnvVar,
// MaxBuffersEnvVar and MaxBytesEnvVar.
func DefaultConfig() (Config, error) {
	config := Config{MaxJITLen: DefaultMaxJITLen, MaxBuffers: DefaultMaxBuffers}
	if value := os.Getenv(MaxJITLenEnvVar); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return config, errors.Wrapf(err, "failed to parse $%s=%q", MaxJITLenEnvVar, value)
		}
		config.MaxJITLen = n
	}
	if value := os.Getenv(MaxBuffersEnvVar); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return config, errors.Wrapf(err, "failed to parse $%s=%q", MaxBuffersEnvVar, value)
		}
		config.MaxBuffers = n
	}
	if value := os.Getenv(MaxBytesEnvVar); value != "" {
		n, err := humanize.ParseBytes(value)
		if err != nil {
			return config, errors.Wrapf(err, "failed to parse $%s=%q", MaxBytesEnvVar, value)
		}
		config.MaxBytes = int64(n)
	}
	return config, config.Validate()
}

// Validate returns an error if a limit is out of range.
func (c Config) Validate() error {
	if c.MaxJITLen < 1 {
		return errors.Errorf("invalid MaxJITLen=%d, it must be >= 1", c.MaxJITLen)
	}
	if c.MaxBuffers < 1 {
		return errors.Errorf("invalid MaxBuffers=%d, it must be >= 1", c.MaxBuffers)
	}
	if c.MaxBytes < 0 {
		return errors.Errorf("invalid MaxBytes=%d, it must be >= 0", c.MaxBytes)
	}
	return nil
}

// configFile is the YAML representation of Config. Absent fields keep their defaults.
type configFile struct {
	MaxJITLen  *int    `yaml:"max_jit_len"`
	MaxBuffers *int    `yaml:"max_buffers"`
	MaxBytes   *string `yaml:"max_bytes"`
}

// ParseConfig parses a YAML document with the keys max_jit_len, max_buffers and max_bytes (e.g. "16MiB")
// over DefaultConfig. Unknown keys are errors.
func ParseConfig(data []byte) (Config, error) {
	config, err := DefaultConfig()
	if err != nil {
		return config, err
	}
	var file configFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && err != io.EOF {
		return config, errors.Wrap(err, "failed to parse config")
	}
	if file.MaxJITLen != nil {
		config.MaxJITLen = *file.MaxJITLen
	}
	if file.MaxBuffers != nil {
		config.MaxBuffers = *file.MaxBuffers
	}
	if file.MaxBytes != nil {
		n, err := humanize.ParseBytes(*file.MaxBytes)
		if err != nil {
			return config, errors.Wrapf(err, "failed to parse max_bytes=%q", *file.MaxBytes)
		}
		config.MaxBytes = int64(n)
	}
	return config, config.Validate()
}

// LoadConfig reads the YAML file in path, see ParseConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config")
	}
	config, err := ParseConfig(data)
	if err != nil {
		return config, errors.WithMessagef(err, "config file %q", path)
	}
	return config, nil
}

// checkLimits returns an error wrapping errFusionLimitExceeded if info is over any of the limits.
func (c Config) checkLimits(info *fusionInfo) error {
	if info.length > c.MaxJITLen {
		return errors.WithMessagef(errFusionLimitExceeded, "%d nodes > MaxJITLen=%d", info.length, c.MaxJITLen)
	}
	if len(info.buffers) > c.MaxBuffers {
		return errors.WithMessagef(errFusionLimitExceeded, "%d buffers > MaxBuffers=%d", len(info.buffers), c.MaxBuffers)
	}
	if c.MaxBytes > 0 && info.bytes > c.MaxBytes {
		return errors.WithMessagef(errFusionLimitExceeded, "%s read > MaxBytes=%s",
			humanize.IBytes(uint64(info.bytes)), humanize.IBytes(uint64(c.MaxBytes)))
	}
	return nil
}
