// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/lazyjit/backends"
	"github.com/olekukonko/tablewriter"
)

// MemInfo is a snapshot of the allocator counters of one device.
type MemInfo struct {
	// AllocBytes and AllocBuffers count all the allocations held by the Manager, Free or Locked.
	AllocBytes, AllocBuffers int64

	// LockBytes and LockBuffers count the allocations currently referenced.
	LockBytes, LockBuffers int64
}

// FreeBuffers is the number of buffers sitting in the buckets.
func (info MemInfo) FreeBuffers() int64 {
	return info.AllocBuffers - info.LockBuffers
}

// String implements fmt.Stringer.
func (info MemInfo) String() string {
	return fmt.Sprintf("allocated %d buffers (%s), locked %d buffers (%s)",
		info.AllocBuffers, humanize.IBytes(uint64(info.AllocBytes)),
		info.LockBuffers, humanize.IBytes(uint64(info.LockBytes)))
}

// MemInfo returns a consistent snapshot of the counters of the device.
func (m *Manager) MemInfo(device backends.DeviceNum) (MemInfo, error) {
	dm, err := m.deviceMemory(device)
	if err != nil {
		return MemInfo{}, err
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return MemInfo{
		AllocBytes:   dm.allocBytes,
		AllocBuffers: dm.allocBuffers,
		LockBytes:    dm.lockBytes,
		LockBuffers:  int64(len(dm.locked)),
	}, nil
}

// PrintInfo writes to w a table with all the buffers of the device, their size and state, followed
// by the totals. The msg is printed as a title.
func (m *Manager) PrintInfo(w io.Writer, msg string, device backends.DeviceNum) error {
	dm, err := m.deviceMemory(device)
	if err != nil {
		return err
	}
	dm.mu.Lock()
	buffers := make([]*Buffer, 0, dm.allocBuffers)
	for buf := range dm.locked {
		buffers = append(buffers, buf)
	}
	for _, bucket := range dm.buckets {
		buffers = append(buffers, bucket...)
	}
	rows := make([][]string, 0, len(buffers))
	slices.SortFunc(buffers, func(a, b *Buffer) int { return cmp.Compare(a.id, b.id) })
	for _, buf := range buffers {
		rows = append(rows, []string{
			strconv.FormatUint(buf.id, 10), buf.ptr.String(),
			humanize.IBytes(uint64(buf.bytes)), buf.state.String(),
		})
	}
	info := MemInfo{
		AllocBytes:   dm.allocBytes,
		AllocBuffers: dm.allocBuffers,
		LockBytes:    dm.lockBytes,
		LockBuffers:  int64(len(dm.locked)),
	}
	dm.mu.Unlock()

	if _, err = fmt.Fprintf(w, "%s\nMemory of device #%d, step size %s:\n", msg, device,
		humanize.IBytes(uint64(m.StepSize()))); err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "POINTER", "SIZE", "STATE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
	_, err = fmt.Fprintf(w, "Total: %s\n", info)
	return err
}
