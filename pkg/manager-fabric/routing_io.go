/*
 * Copyright 2023 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package fabric

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// The io phase of a routing sweep: push the staged tables into the
// hardware, one worker per subdevice, writing only what differs from
// the committed state. An idempotent resweep therefore touches nothing.

// Bridge port configuration registers, one window per logical port.
const (
	csrBridgeBase   = uint64(0x100000)
	csrBridgeStride = uint64(0x10000)

	csrBridgeRegFid = uint64(0x0)
	csrBridgeRegDpa = uint64(0x8)
	csrBridgeRegCtl = uint64(0x10)
	csrBridgeLut    = uint64(0x1000)

	// dpaLutChunk is the diff granularity of the DPA LUT, in entries.
	dpaLutChunk = 64
)

func bridgeCsr(lpn uint8, reg uint64) uint64 {
	return csrBridgeBase + uint64(lpn)*csrBridgeStride + reg
}

func (f *Fabric) routingIoRun() error {
	if f.opts.Quiescer != nil {
		if err := f.opts.Quiescer.Quiesce(); err != nil {
			return fmt.Errorf("quiesce: %w", err)
		}
		defer f.opts.Quiescer.Resume()
	}

	g := new(errgroup.Group)

	for _, sd := range f.allSubdevices() {
		sd := sd
		g.Go(func() error {
			if sd.routing.err != nil {
				return nil
			}

			if err := sd.program(); err != nil {
				sd.routing.err = err
				sd.log.WithError(err).Errorf("routing tables not programmed, subdevice excluded from routing")
				f.sweepErrs.Add(1)
			}

			return nil
		})
	}

	return g.Wait()
}

func (sd *Subdevice) program() error {
	if err := sd.programLftTop(); err != nil {
		return err
	}

	if err := sd.programUft(); err != nil {
		return err
	}

	if err := sd.programBridges(); err != nil {
		return err
	}

	// Commit: the hardware now matches the staged tables.
	r := &sd.routing
	r.mu.Lock()
	if r.uftNext != nil {
		r.uft = r.uftNext
		r.uftNext = nil
	}
	if r.fidgenNext != nil {
		r.fidgen = r.fidgenNext
		r.fidgenNext = nil
	}
	r.mu.Unlock()

	return nil
}

// programLftTop raises the forwarding table limit once per subdevice
// lifetime.
func (sd *Subdevice) programLftTop() error {
	r := &sd.routing
	if r.lftTopProgrammed {
		return nil
	}

	info, err := sd.mbox.SwitchInfoGet()
	if err != nil {
		return err
	}

	if info.LftTop != uftSize-1 {
		info.LftTop = uftSize - 1
		if err := sd.mbox.SwitchInfoSet(info); err != nil {
			return err
		}
	}

	r.lftTopProgrammed = true

	return nil
}

// programUft writes the forwarding table blocks that changed since the
// last commit, and invalidates blocks that disappeared.
func (sd *Subdevice) programUft() error {
	r := &sd.routing
	if r.uftNext == nil {
		return nil
	}

	blocks := make(map[int]bool, len(r.uftNext)+len(r.uft))
	for b := range r.uftNext {
		blocks[b] = true
	}
	for b := range r.uft {
		blocks[b] = true
	}

	ordered := make([]int, 0, len(blocks))
	for b := range blocks {
		ordered = append(ordered, b)
	}
	sort.Ints(ordered)

	for _, b := range ordered {
		next, inNext := r.uftNext[b]
		prev, inPrev := r.uft[b]

		if inNext && inPrev && bytes.Equal(next, prev) {
			continue
		}

		var entries []uint8
		if inNext {
			entries = hardwareForm(next)
		} else {
			entries = make([]uint8, fidBlockSize)
			for i := range entries {
				entries[i] = invalidPort8
			}
		}

		if err := sd.mbox.RpipeSet(uint16(b*fidBlockSize), entries); err != nil {
			return fmt.Errorf("forwarding block %d: %w", b, err)
		}
	}

	return nil
}

// programBridges configures each bridge port's FID identity, address
// window and DPA LUT, then enables it.
func (sd *Subdevice) programBridges() error {
	r := &sd.routing

	for _, p := range sd.bridgePorts() {
		regs := []struct {
			reg   uint64
			value uint64
		}{
			{csrBridgeRegFid, uint64(r.fidBase) | uint64(r.fidMgmt)<<16},
			{csrBridgeRegDpa, uint64(r.dpaIdxBase) | uint64(r.dpaIdxRange)<<16},
		}

		for _, w := range regs {
			if err := sd.writeBridgeReg(p.lpn, w.reg, w.value); err != nil {
				return err
			}
		}

		if err := sd.programDpaLut(p.lpn); err != nil {
			return err
		}

		if err := sd.writeBridgeReg(p.lpn, csrBridgeRegCtl, 1); err != nil {
			return err
		}
	}

	return nil
}

func (sd *Subdevice) writeBridgeReg(lpn uint8, reg uint64, value uint64) error {
	r := &sd.routing

	addr := bridgeCsr(lpn, reg)
	if prev, ok := r.bridgeRegs[addr]; ok && prev == value {
		return nil
	}

	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, value)

	if err := sd.mbox.CsrWrite(addr, data); err != nil {
		return fmt.Errorf("bridge port %d register %#x: %w", lpn, reg, err)
	}

	r.bridgeRegs[addr] = value

	return nil
}

// programDpaLut writes the DPA LUT chunks that changed since the last
// commit. Entries are two bytes each, little endian.
func (sd *Subdevice) programDpaLut(lpn uint8) error {
	r := &sd.routing
	if r.fidgenNext == nil {
		return nil
	}

	for start := 0; start < dpaLutSize; start += dpaLutChunk {
		end := start + dpaLutChunk

		if r.fidgen != nil && chunkEqual(r.fidgen[start:end], r.fidgenNext[start:end]) {
			continue
		}

		data := make([]byte, 2*dpaLutChunk)
		for i, dfid := range r.fidgenNext[start:end] {
			binary.LittleEndian.PutUint16(data[2*i:], dfid)
		}

		addr := bridgeCsr(lpn, csrBridgeLut) + uint64(2*start)
		if err := sd.mbox.CsrWrite(addr, data); err != nil {
			return fmt.Errorf("bridge port %d dpa lut chunk %d: %w", lpn, start/dpaLutChunk, err)
		}
	}

	return nil
}

func chunkEqual(a, b []uint16) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
