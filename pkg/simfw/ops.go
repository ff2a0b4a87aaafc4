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

package simfw

import (
	"bytes"

	"github.com/HewlettPackard/structex"

	"github.com/NearNodeFlash/nnf-fm/pkg/mbox"
)

// Request processing. All handlers run under the sim lock.

var supportedOpcodes = []mbox.OpCode{
	mbox.OpFwVersion, mbox.OpCsrRawRead, mbox.OpCsrRawWrite, mbox.OpFwStart,
	mbox.OpNodeGUIDGet, mbox.OpPortStateSet, mbox.OpPortPhysStateSet,
	mbox.OpPortBeaconSet, mbox.OpReset,
	mbox.OpPscTrapEnable, mbox.OpPscTrapNotify, mbox.OpPscTrapAck,
	mbox.OpSwitchInfoGet, mbox.OpSwitchInfoSet,
	mbox.OpPortInfoGet, mbox.OpPortInfoSet,
	mbox.OpRpipeGet, mbox.OpRpipeSet,
	mbox.OpLwdTrapEnable, mbox.OpLwdTrapNotify, mbox.OpLwdTrapAck,
	mbox.OpLqiTrapEnable, mbox.OpLqiTrapNotify, mbox.OpLqiTrapAck,
	mbox.OpQsfpFaultNotify,
}

func capabilityBitmap() [4]uint64 {
	var caps [4]uint64
	for _, op := range supportedOpcodes {
		caps[op/64] |= 1 << (op % 64)
	}

	return caps
}

func pack(v interface{}) []byte {
	buf := structex.NewBuffer(v)
	if buf == nil {
		return nil
	}
	if err := structex.Encode(buf, v); err != nil {
		return nil
	}

	return buf.Bytes()
}

func unpack(data []byte, v interface{}) bool {
	return structex.DecodeByteBuffer(bytes.NewBuffer(data), v) == nil
}

func (fw *Firmware) process(op mbox.OpCode, params []byte) (mbox.RspStatus, []byte) {
	switch op {
	case mbox.OpFwVersion:
		rsp := mbox.FwVersionRsp{
			MboxVersion:      1,
			SupportedOpcodes: capabilityBitmap(),
		}
		copy(rsp.Version[:], "simfw-1.0")
		return mbox.RspOK, pack(&rsp)

	case mbox.OpFwStart:
		fw.started = true
		return mbox.RspOK, nil

	case mbox.OpReset:
		fw.started = false
		return mbox.RspOK, nil

	case mbox.OpNodeGUIDGet:
		return mbox.RspOK, pack(&mbox.NodeGUIDRsp{GUID: fw.guid})

	case mbox.OpSwitchInfoGet:
		return mbox.RspOK, pack(&fw.switchInfo)

	case mbox.OpSwitchInfoSet:
		var info mbox.SwitchInfo
		if !unpack(params, &info) {
			return mbox.RspLogicalError, nil
		}
		fw.switchInfo.LftTop = info.LftTop
		fw.switchInfoSets++
		return mbox.RspOK, nil

	case mbox.OpPortInfoGet:
		return fw.portInfoGet(params)

	case mbox.OpPortStateSet:
		return fw.portStateSet(params)

	case mbox.OpPortPhysStateSet:
		return fw.portPhysStateSet(params)

	case mbox.OpPortBeaconSet:
		var req mbox.PortBeaconReq
		if !unpack(params, &req) || int(req.Port) >= len(fw.ports) {
			return mbox.RspLogicalError, nil
		}
		fw.ports[req.Port].beacon = req.Enable != 0
		return mbox.RspOK, nil

	case mbox.OpRpipeSet:
		return fw.rpipeSet(params)

	case mbox.OpRpipeGet:
		return fw.rpipeGet(params)

	case mbox.OpCsrRawRead:
		return fw.csrRead(params)

	case mbox.OpCsrRawWrite:
		return fw.csrWrite(params)

	case mbox.OpPscTrapEnable:
		fw.pscEnabled = true
		return mbox.RspOK, nil

	case mbox.OpLwdTrapEnable:
		fw.lwdEnabled = true
		return mbox.RspOK, nil

	case mbox.OpLqiTrapEnable:
		fw.lqiEnabled = true
		return mbox.RspOK, nil

	case mbox.OpPscTrapAck, mbox.OpLwdTrapAck, mbox.OpLqiTrapAck:
		return mbox.RspOK, nil
	}

	return mbox.RspOpCodeError, nil
}

func (fw *Firmware) portInfoGet(params []byte) (mbox.RspStatus, []byte) {
	var req mbox.PortInfoReq
	if !unpack(params, &req) {
		return mbox.RspLogicalError, nil
	}

	var rsp []byte
	for lpn := uint8(0); lpn < 32; lpn++ {
		if req.PortMask&(1<<lpn) == 0 {
			continue
		}
		if int(lpn) >= len(fw.ports) {
			return mbox.RspLogicalError, nil
		}

		rsp = append(rsp, pack(fw.portInfo(lpn))...)
	}

	return mbox.RspOK, rsp
}

// portInfo reports one port the way hardware does: the neighbor fields
// are only known once the link has trained to Init or beyond.
func (fw *Firmware) portInfo(lpn uint8) *mbox.PortInfo {
	p := fw.ports[lpn]

	info := &mbox.PortInfo{
		PortType:             mbox.PortTypeFabric,
		PhysState:            uint8(p.physState),
		LinkState:            uint8(p.linkState),
		LinkQualityIndicator: p.linkQuality,
		LinkWidthEnabled:     4,
		LinkWidthActive:      4,
		LinkSpeedEnabled:     4,
		LinkSpeedActive:      4,
		LinkDownCount:        p.linkDownCount,
	}

	if lpn == 0 {
		info.PortType = mbox.PortTypeManagement
	} else if int(lpn) > fw.sim.config.FabricPorts {
		info.PortType = mbox.PortTypeBridge
	}

	if p.linkState >= mbox.LinkStateInit {
		if peer, peerLpn := fw.sim.peer(fw, lpn); peer != nil {
			info.NeighborGUID = peer.guid
			info.NeighborPortNumber = peerLpn
			info.NeighborNormal = 1
			info.LinkWidthDowngradeTxActive = 4
			info.LinkWidthDowngradeRxActive = 4
		}
	}

	return info
}

func (fw *Firmware) portStateSet(params []byte) (mbox.RspStatus, []byte) {
	var req mbox.PortStateReq
	if !unpack(params, &req) || int(req.Port) >= len(fw.ports) {
		return mbox.RspLogicalError, nil
	}

	p := fw.ports[req.Port]

	switch mbox.LinkState(req.State) {
	case mbox.LinkStateArmed:
		if p.linkState < mbox.LinkStateInit {
			return mbox.RspLogicalError, nil
		}
		fw.setLinkState(uint8(req.Port), mbox.LinkStateArmed)

	case mbox.LinkStateActive:
		if p.linkState < mbox.LinkStateArmed {
			return mbox.RspLogicalError, nil
		}
		fw.setLinkState(uint8(req.Port), mbox.LinkStateActive)

	case mbox.LinkStateDown:
		fw.linkDown(uint8(req.Port))

	default:
		return mbox.RspLogicalError, nil
	}

	return mbox.RspOK, nil
}

func (fw *Firmware) portPhysStateSet(params []byte) (mbox.RspStatus, []byte) {
	var req mbox.PortStateReq
	if !unpack(params, &req) || int(req.Port) >= len(fw.ports) {
		return mbox.RspLogicalError, nil
	}

	lpn := uint8(req.Port)
	p := fw.ports[lpn]

	switch mbox.PhysState(req.State) {
	case mbox.PhysStatePolling:
		p.physState = mbox.PhysStatePolling
		fw.train(lpn)

	case mbox.PhysStateDisabled:
		p.physState = mbox.PhysStateDisabled
		fw.linkDown(lpn)
		if peer, peerLpn := fw.sim.peer(fw, lpn); peer != nil {
			peer.linkDown(peerLpn)
		}

	default:
		return mbox.RspLogicalError, nil
	}

	return mbox.RspOK, nil
}

// train brings both ends of a cable to Init once both are polling.
func (fw *Firmware) train(lpn uint8) {
	peer, peerLpn := fw.sim.peer(fw, lpn)
	if peer == nil {
		return
	}

	pp := peer.ports[peerLpn]
	if pp.physState != mbox.PhysStatePolling && pp.physState != mbox.PhysStateLinkUp {
		return
	}

	fw.ports[lpn].physState = mbox.PhysStateLinkUp
	pp.physState = mbox.PhysStateLinkUp

	fw.setLinkState(lpn, mbox.LinkStateInit)
	peer.setLinkState(peerLpn, mbox.LinkStateInit)
}

func (fw *Firmware) setLinkState(lpn uint8, state mbox.LinkState) {
	p := fw.ports[lpn]
	if p.linkState == state {
		return
	}

	p.linkState = state
	fw.pscTrap(lpn)
}

func (fw *Firmware) linkDown(lpn uint8) {
	p := fw.ports[lpn]
	if p.linkState == mbox.LinkStateDown {
		return
	}

	p.linkState = mbox.LinkStateDown
	p.linkDownCount++
	if p.physState == mbox.PhysStateLinkUp {
		p.physState = mbox.PhysStatePolling
	}
	fw.pscTrap(lpn)
}

func (fw *Firmware) rpipeSet(params []byte) (mbox.RspStatus, []byte) {
	if fw.failRpipe {
		return mbox.RspRetry, nil
	}

	if len(params) < 4 {
		return mbox.RspLogicalError, nil
	}

	start := int(uint16(params[0]) | uint16(params[1])<<8)
	num := int(uint16(params[2]) | uint16(params[3])<<8)
	if len(params) < 4+num || start+num > len(fw.rpipe) {
		return mbox.RspLogicalError, nil
	}

	copy(fw.rpipe[start:start+num], params[4:4+num])
	fw.rpipeWrites++

	return mbox.RspOK, nil
}

func (fw *Firmware) rpipeGet(params []byte) (mbox.RspStatus, []byte) {
	var req mbox.RpipeGetReq
	if !unpack(params, &req) {
		return mbox.RspLogicalError, nil
	}

	start := int(req.StartIndex)
	num := int(req.NumEntries)
	if start+num > len(fw.rpipe) {
		return mbox.RspLogicalError, nil
	}

	rsp := make([]byte, num)
	copy(rsp, fw.rpipe[start:start+num])

	return mbox.RspOK, rsp
}

func (fw *Firmware) csrRead(params []byte) (mbox.RspStatus, []byte) {
	var req mbox.CsrReadReq
	if !unpack(params, &req) {
		return mbox.RspLogicalError, nil
	}

	rsp := make([]byte, req.Len)
	for i := range rsp {
		rsp[i] = fw.csr[req.Addr+uint64(i)]
	}

	return mbox.RspOK, rsp
}

func (fw *Firmware) csrWrite(params []byte) (mbox.RspStatus, []byte) {
	if len(params) < 12 {
		return mbox.RspLogicalError, nil
	}

	addr := uint64(params[0]) | uint64(params[1])<<8 | uint64(params[2])<<16 | uint64(params[3])<<24 |
		uint64(params[4])<<32 | uint64(params[5])<<40 | uint64(params[6])<<48 | uint64(params[7])<<56
	length := int(uint32(params[8]) | uint32(params[9])<<8 | uint32(params[10])<<16 | uint32(params[11])<<24)
	if len(params) < 12+length {
		return mbox.RspLogicalError, nil
	}

	for i := 0; i < length; i++ {
		fw.csr[addr+uint64(i)] = params[12+i]
	}
	fw.csrWrites++

	return mbox.RspOK, nil
}

// Test and tooling surface.

// RpipeEntry reads one forwarding table entry as the hardware holds it.
func (fw *Firmware) RpipeEntry(fid int) uint8 {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	return fw.rpipe[fid]
}

// FailRpipeSets makes every RPIPE_SET message fail with RETRY,
// emulating a firmware that cannot accept table updates.
func (fw *Firmware) FailRpipeSets(fail bool) {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	fw.failRpipe = fail
}

// RpipeWrites counts RPIPE_SET messages accepted.
func (fw *Firmware) RpipeWrites() int {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	return fw.rpipeWrites
}

// CsrWrites counts CSR_RAW_WR messages accepted.
func (fw *Firmware) CsrWrites() int {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	return fw.csrWrites
}

// SwitchInfoSets counts SWITCHINFO_SET messages accepted.
func (fw *Firmware) SwitchInfoSets() int {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	return fw.switchInfoSets
}

// Csr64 reads back one 8-byte register from the simulated CSR space.
func (fw *Firmware) Csr64(addr uint64) uint64 {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(fw.csr[addr+uint64(i)]) << (8 * i)
	}

	return v
}

// LinkState reports one port's link state.
func (fw *Firmware) LinkState(lpn uint8) mbox.LinkState {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	return fw.ports[lpn].linkState
}

// Beaconing reports one port's locator beacon.
func (fw *Firmware) Beaconing(lpn uint8) bool {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	return fw.ports[lpn].beacon
}

// SetLinkQuality overrides one port's link quality indicator and
// raises the LQI trap.
func (fw *Firmware) SetLinkQuality(lpn uint8, lqi uint8) {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	fw.ports[lpn].linkQuality = lqi
	if fw.lqiEnabled {
		fw.notify(mbox.OpLqiTrapNotify, 1<<lpn)
	}
}

// InjectQsfpFault raises the QSFP fault notification for one port.
func (fw *Firmware) InjectQsfpFault(lpn uint8) {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	fw.notify(mbox.OpQsfpFaultNotify, 1<<lpn)
}
