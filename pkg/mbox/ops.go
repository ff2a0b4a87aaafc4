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

package mbox

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/HewlettPackard/structex"
	log "github.com/sirupsen/logrus"
)

// Typed operations over the raw Execute primitive. Parameters and
// responses are packed with structex against the wire structures in
// wire.go.

// MaxCsrData is the CSR payload carried per CSR_RAW_WR message; larger
// writes are split across messages.
const MaxCsrData = 2016

func encodeParams(req interface{}) ([]byte, error) {
	if req == nil {
		return nil, nil
	}

	buf := structex.NewBuffer(req)
	if buf == nil {
		return nil, fmt.Errorf("cannot size parameters %T", req)
	}

	if err := structex.Encode(buf, req); err != nil {
		return nil, fmt.Errorf("encode %T: %w", req, err)
	}

	return buf.Bytes(), nil
}

func decodeResponse(data []byte, rsp interface{}) error {
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(data), rsp); err != nil {
		return fmt.Errorf("decode %T: %w", rsp, err)
	}

	return nil
}

// op runs one synchronous exchange with structex-packed parameters and
// response. rsp may be nil when the operation returns no parameters.
func (m *Mailbox) op(opCode OpCode, req interface{}, rsp interface{}, posted bool) error {
	params, err := encodeParams(req)
	if err != nil {
		return err
	}

	var rspBuf []byte
	if rsp != nil {
		size, err := structex.Size(rsp)
		if err != nil {
			return fmt.Errorf("size %T: %w", rsp, err)
		}
		rspBuf = make([]byte, size)
	}

	status, err := m.Execute(&Request{
		OpCode:   opCode,
		Posted:   posted,
		Params:   params,
		Response: rspBuf,
	})
	if err != nil {
		return err
	}

	if posted {
		return nil
	}

	if status != RspOK {
		return fmt.Errorf("%s: %s failed: %s", m.name, opCode, status)
	}

	if rsp != nil {
		return decodeResponse(rspBuf, rsp)
	}

	return nil
}

// FwVersion queries the firmware version and records the capability
// bitmap for opcode gating.
func (m *Mailbox) FwVersion() (*FwVersionRsp, error) {
	rsp := new(FwVersionRsp)
	if err := m.op(OpFwVersion, nil, rsp, false); err != nil {
		return nil, err
	}

	m.SetCapabilities(rsp.SupportedOpcodes)

	return rsp, nil
}

// Reset restarts the firmware message layer. A successful non-posted
// reset, or any posted one, returns both sequence counters to zero.
func (m *Mailbox) Reset(posted bool) error {
	return m.op(OpReset, nil, nil, posted)
}

// FwStart completes the firmware bring-up handshake and resets both
// sequence counters.
func (m *Mailbox) FwStart() error {
	return m.op(OpFwStart, nil, nil, false)
}

// NodeGUIDGet returns the subdevice GUID.
func (m *Mailbox) NodeGUIDGet() (uint64, error) {
	rsp := new(NodeGUIDRsp)
	if err := m.op(OpNodeGUIDGet, nil, rsp, false); err != nil {
		return 0, err
	}

	return rsp.GUID, nil
}

// SwitchInfoGet reads the subdevice switch record.
func (m *Mailbox) SwitchInfoGet() (*SwitchInfo, error) {
	rsp := new(SwitchInfo)
	if err := m.op(OpSwitchInfoGet, nil, rsp, false); err != nil {
		return nil, err
	}

	return rsp, nil
}

// SwitchInfoSet writes the subdevice switch record.
func (m *Mailbox) SwitchInfoSet(info *SwitchInfo) error {
	return m.op(OpSwitchInfoSet, info, nil, false)
}

// PortInfoGet batch-reads the port records selected by portMask. The
// result maps logical port number to its record.
func (m *Mailbox) PortInfoGet(portMask uint32) (map[uint8]*PortInfo, error) {
	count := bits.OnesCount32(portMask)
	if count == 0 {
		return map[uint8]*PortInfo{}, nil
	}

	entrySize, err := structex.Size(PortInfo{})
	if err != nil {
		return nil, fmt.Errorf("size PortInfo: %w", err)
	}

	params, err := encodeParams(&PortInfoReq{PortMask: portMask})
	if err != nil {
		return nil, err
	}

	rspBuf := make([]byte, int(entrySize)*count)

	status, err := m.Execute(&Request{
		OpCode:   OpPortInfoGet,
		Params:   params,
		Response: rspBuf,
	})
	if err != nil {
		return nil, err
	}
	if status != RspOK {
		return nil, fmt.Errorf("%s: %s failed: %s", m.name, OpPortInfoGet, status)
	}

	infos := make(map[uint8]*PortInfo, count)
	next := 0
	for lpn := uint8(0); lpn < 32; lpn++ {
		if portMask&(1<<lpn) == 0 {
			continue
		}

		info := new(PortInfo)
		offset := next * int(entrySize)
		if err := decodeResponse(rspBuf[offset:offset+int(entrySize)], info); err != nil {
			return nil, err
		}

		infos[lpn] = info
		next++
	}

	return infos, nil
}

// PortStateSet requests a logical link state change on one port.
func (m *Mailbox) PortStateSet(lpn uint8, state LinkState) error {
	return m.op(OpPortStateSet, &PortStateReq{Port: uint32(lpn), State: uint32(state)}, nil, false)
}

// PortPhysStateSet requests a physical state change on one port.
func (m *Mailbox) PortPhysStateSet(lpn uint8, state PhysState) error {
	return m.op(OpPortPhysStateSet, &PortStateReq{Port: uint32(lpn), State: uint32(state)}, nil, false)
}

// PortBeaconSet turns the port locator beacon on or off.
func (m *Mailbox) PortBeaconSet(lpn uint8, enable bool) error {
	req := &PortBeaconReq{Port: uint32(lpn)}
	if enable {
		req.Enable = 1
	}

	return m.op(OpPortBeaconSet, req, nil, false)
}

// RpipeSet writes a run of forwarding table entries in unpacked
// hardware form.
func (m *Mailbox) RpipeSet(startIndex uint16, entries []uint8) error {
	return m.op(OpRpipeSet, &RpipeSetReq{
		StartIndex: startIndex,
		NumEntries: uint16(len(entries)),
		Entries:    entries,
	}, nil, false)
}

// RpipeGet reads back a run of forwarding table entries.
func (m *Mailbox) RpipeGet(startIndex uint16, numEntries uint16) ([]uint8, error) {
	params, err := encodeParams(&RpipeGetReq{StartIndex: startIndex, NumEntries: numEntries})
	if err != nil {
		return nil, err
	}

	rspBuf := make([]byte, numEntries)

	status, err := m.Execute(&Request{
		OpCode:   OpRpipeGet,
		Params:   params,
		Response: rspBuf,
	})
	if err != nil {
		return nil, err
	}
	if status != RspOK {
		return nil, fmt.Errorf("%s: %s failed: %s", m.name, OpRpipeGet, status)
	}

	return rspBuf, nil
}

// CsrRead reads a run of bytes from configuration register space.
func (m *Mailbox) CsrRead(addr uint64, length uint32) ([]byte, error) {
	params, err := encodeParams(&CsrReadReq{Addr: addr, Len: length})
	if err != nil {
		return nil, err
	}

	rspBuf := make([]byte, length)

	status, err := m.Execute(&Request{
		OpCode:   OpCsrRawRead,
		Params:   params,
		Response: rspBuf,
	})
	if err != nil {
		return nil, err
	}
	if status != RspOK {
		return nil, fmt.Errorf("%s: %s failed: %s", m.name, OpCsrRawRead, status)
	}

	return rspBuf, nil
}

// CsrWrite posts bytes into configuration register space, split across
// messages as needed.
func (m *Mailbox) CsrWrite(addr uint64, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > MaxCsrData {
			n = MaxCsrData
		}

		if err := m.op(OpCsrRawWrite, &CsrWriteReq{
			Addr: addr,
			Len:  uint32(n),
			Data: data[:n],
		}, nil, true); err != nil {
			return err
		}

		addr += uint64(n)
		data = data[n:]
	}

	return nil
}

// TrapsEnable asks firmware to deliver the unsolicited port event
// notifications. A trap the firmware does not implement is logged and
// skipped; ports still converge through rescans.
func (m *Mailbox) TrapsEnable() {
	for _, op := range []OpCode{OpPscTrapEnable, OpLwdTrapEnable, OpLqiTrapEnable} {
		if err := m.op(op, nil, nil, false); err != nil {
			log.WithError(err).Warnf("%s: %s unavailable", m.name, op)
		}
	}
}

// TrapAck acknowledges receipt of one unsolicited notification class.
func (m *Mailbox) TrapAck(notify OpCode) error {
	var ack OpCode

	switch notify {
	case OpPscTrapNotify:
		ack = OpPscTrapAck
	case OpLwdTrapNotify:
		ack = OpLwdTrapAck
	case OpLqiTrapNotify:
		ack = OpLqiTrapAck
	default:
		return fmt.Errorf("%s: not an acknowledgeable trap", notify)
	}

	return m.op(ack, nil, nil, false)
}
