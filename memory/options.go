// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

const (
	// StepSizeEnvVar is the environment variable that sets the default allocation step size, e.g. "4KiB".
	StepSizeEnvVar = "LAZYJIT_MEM_STEP_SIZE"

	// MaxBytesEnvVar is the environment variable that sets the default soft limit of bytes allocated per device,
	// e.g. "2GiB". Above it, free buffers are garbage collected before new device memory is requested.
	MaxBytesEnvVar = "LAZYJIT_MEM_MAX_BYTES"

	// DefaultStepSize is used if StepSizeEnvVar is not set.
	DefaultStepSize = 1024
)

// Options of a Manager.
type Options struct {
	// StepSize in bytes: every allocation is rounded up to a multiple of it, and buffers are
	// bucketed by their rounded size.
	StepSize int64

	// MaxBytes is a soft limit of bytes allocated per device. If an allocation would cross it,
	// the free buffers of the device are garbage collected first. 0 means no limit.
	MaxBytes int64
}

// DefaultOptions returns the Options configured by the environment variables StepSizeEnvVar and
// MaxBytesEnvVar. If they are not set, it uses DefaultStepSize and no limit.
func DefaultOptions() (Options, error) {
	opts := Options{StepSize: DefaultStepSize}
	var err error
	if opts.StepSize, err = bytesFromEnv(StepSizeEnvVar, opts.StepSize); err != nil {
		return opts, err
	}
	if opts.MaxBytes, err = bytesFromEnv(MaxBytesEnvVar, opts.MaxBytes); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

// Validate returns an error if the options are invalid.
func (o Options) Validate() error {
	if o.StepSize <= 0 {
		return errors.Errorf("memory: invalid step size %d, it must be > 0", o.StepSize)
	}
	if o.MaxBytes < 0 {
		return errors.Errorf("memory: invalid max bytes %d, it must be >= 0", o.MaxBytes)
	}
	return nil
}

func bytesFromEnv(envVar string, defaultValue int64) (int64, error) {
	value, found := os.LookupEnv(envVar)
	if !found || value == "" {
		return defaultValue, nil
	}
	parsed, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "memory: failed to parse $%s=%q", envVar, value)
	}
	return int64(parsed), nil
}
