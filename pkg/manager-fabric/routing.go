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
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Fabric identifier geometry. Every subdevice owns one management FID
// and one 64-entry FID block; the block offset encodes path selection,
// MDFI channel and host bits:
//
//	[5:3] path
//	[2:1] mdfi channel, selecting the bridge port
//	[0]   host bit; odd FIDs are never routed
const (
	fidCportBase = 64  // management FIDs, one per FID group
	fidBlockBase = 832 // data FID blocks
	fidBlockSize = 64
	maxFidGroups = 755

	// uftSize is the number of entries in the unicast forwarding table.
	uftSize = 48 * 1024

	// costInfinite marks an unreachable subdevice.
	costInfinite = uint16(0xffff)

	// invalidPort4 and invalidPort8 mark unrouted forwarding entries in
	// packed and hardware form.
	invalidPort4 = uint8(0xF)
	invalidPort8 = uint8(0x7F)

	// minDpaPerSdGB is the device address map granularity; one DPA LUT
	// index covers this much memory.
	minDpaPerSdGB = 8

	// dpaLutSize is the number of DPA LUT indexes carried per bridge
	// port.
	dpaLutSize = 1024
)

// plane is one connected component of the cabled topology. Routing is
// computed per plane; subdevices in different planes cannot reach each
// other.
type plane struct {
	index int
	sds   []*Subdevice

	// cost is the hop count matrix over sds, symmetric by construction.
	cost [][]uint16
}

// routingState is the per-subdevice routing bookkeeping. The Next
// fields are staged by the sweep's logic phase and committed by the io
// phase once the hardware accepted them.
type routingState struct {
	err error

	// mu guards the committed tables, which readers inspect while the
	// io phase commits under the shared lock.
	mu sync.Mutex

	plane      *plane
	planeIndex int

	fidGroup int
	fidMgmt  uint16
	fidBase  uint16

	dpaIdxBase  int
	dpaIdxRange int

	uft     uft
	uftNext uft

	fidgen     []uint16
	fidgenNext []uint16

	lftTopProgrammed bool
	bridgeRegs       map[uint64]uint64
}

func routingSdInit(sd *Subdevice) {
	r := &sd.routing

	r.fidGroup = int(sd.dev.index)*maxSubdevsPerDevice + sd.index
	if r.fidGroup >= maxFidGroups {
		r.err = fmt.Errorf("%s: fid group %d exceeds the fabric maximum %d", sd.Name(), r.fidGroup, maxFidGroups)
		return
	}

	r.fidMgmt = uint16(fidCportBase + r.fidGroup)
	r.fidBase = uint16(fidBlockBase + r.fidGroup*fidBlockSize)

	subdevs := sd.dev.fabric.config.device(sd.dev.index).Subdevices
	r.dpaIdxRange = (sd.dev.pkgSizeGB / subdevs) / minDpaPerSdGB
	r.dpaIdxBase = sd.dev.pkgOffsetGB/minDpaPerSdGB + sd.index*r.dpaIdxRange

	r.bridgeRegs = make(map[uint64]uint64)
}

// FidBase returns the first FID of the subdevice's data block.
func (sd *Subdevice) FidBase() uint16 { return sd.routing.fidBase }

// FidMgmt returns the subdevice's management FID.
func (sd *Subdevice) FidMgmt() uint16 { return sd.routing.fidMgmt }

// uft is a sparse unicast forwarding table: 64-entry blocks of packed
// 4-bit egress ports, keyed by block index. A block never written stays
// absent; absent and all-invalid mean the same thing to the hardware.
type uft map[int][]byte

func (u uft) set(fid int, port uint8) {
	block, ok := u[fid/fidBlockSize]
	if !ok {
		block = make([]byte, fidBlockSize/2)
		for i := range block {
			block[i] = invalidPort4<<4 | invalidPort4
		}
		u[fid/fidBlockSize] = block
	}

	offset := fid % fidBlockSize
	if offset%2 == 1 {
		block[offset/2] = block[offset/2]&0xF0 | port&0x0F
	} else {
		block[offset/2] = block[offset/2]&0x0F | port<<4
	}
}

func (u uft) entry(fid int) uint8 {
	block, ok := u[fid/fidBlockSize]
	if !ok {
		return invalidPort4
	}

	offset := fid % fidBlockSize
	if offset%2 == 1 {
		return block[offset/2] & 0x0F
	}

	return block[offset/2] >> 4
}

// hardwareForm expands one packed block into the one-byte-per-entry
// form the RPIPE opcodes carry.
func hardwareForm(block []byte) []uint8 {
	entries := make([]uint8, fidBlockSize)
	for i := range entries {
		var nibble uint8
		if i%2 == 1 {
			nibble = block[i/2] & 0x0F
		} else {
			nibble = block[i/2] >> 4
		}

		if nibble == invalidPort4 {
			entries[i] = invalidPort8
		} else {
			entries[i] = nibble
		}
	}

	return entries
}

// sweep recomputes and reprograms the whole fabric. The logic phase
// runs exclusive so no port pass moves the topology underneath it; the
// io phase runs shared so bring-up continues while tables program.
func (f *Fabric) sweep() {
	f.routableLock.LockExclusive()

	gen := f.genStart.Add(1)
	f.sweepErrs.Store(0)

	err := f.routingLogicRun()

	f.routableLock.Downgrade()
	defer f.routableLock.UnlockShared()

	if err == nil {
		err = f.routingIoRun()
	}

	if err != nil || f.sweepErrs.Load() > 0 {
		f.cleanupNext()

		if err != nil {
			log.WithError(err).Errorf("fabric %s: routing sweep %d failed", f.id, gen)
		} else {
			log.Warnf("fabric %s: routing sweep %d: %d subdevices failed, retrying",
				f.id, gen, f.sweepErrs.Load())
			f.RequestSweep()
		}
		return
	}

	f.updateRoutedStatus()
	f.genEnd.Store(gen)

	log.Infof("fabric %s: routing sweep %d complete: %d planes", f.id, gen, len(f.planes))
}

// cleanupNext discards staged tables after a failed sweep so the next
// one rebuilds and reprograms from the committed state.
func (f *Fabric) cleanupNext() {
	for _, sd := range f.allSubdevices() {
		sd.routing.uftNext = nil
		sd.routing.fidgenNext = nil
	}
}

func (f *Fabric) updateRoutedStatus() {
	for _, sd := range f.allSubdevices() {
		for _, p := range sd.fabricPorts() {
			p.routed.Store(p.routedNext)
		}
	}
}

// RoutingGeneration reports sweep progress: start counts sweeps begun,
// end the last that fully committed. Equal values mean the programmed
// fabric matches the last observed topology.
func (f *Fabric) RoutingGeneration() (start, end uint32) {
	return f.genStart.Load(), f.genEnd.Load()
}
