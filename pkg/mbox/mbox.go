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

// Package mbox implements the firmware mailbox protocol used to command a
// fabric subdevice. Every exchange is a 64-bit control word followed by a
// parameter area, carried over a fixed-size message window. At most one
// non-posted request is outstanding per subdevice at any time.
package mbox

import "fmt"

// Message window geometry. Each direction owns a 2048 byte region; the
// control word occupies the first 8 bytes and parameters the remainder.
const (
	MessageSize     = 2048
	ControlWordSize = 8
	ParamAreaSize   = MessageSize - ControlWordSize
	SeqNoModulus    = 64
)

// OpCode identifies a mailbox operation.
type OpCode uint8

const (
	OpFwVersion        OpCode = 0
	OpCsrRawRead       OpCode = 1
	OpCsrRawWrite      OpCode = 2
	OpFwStart          OpCode = 3
	OpNodeGUIDGet      OpCode = 8
	OpPortStateSet     OpCode = 9
	OpPortPhysStateSet OpCode = 10
	OpPortBeaconSet    OpCode = 12
	OpReset            OpCode = 13
	OpPscTrapEnable    OpCode = 33
	OpPscTrapNotify    OpCode = 34
	OpPscTrapAck       OpCode = 35
	OpSwitchInfoGet    OpCode = 53
	OpSwitchInfoSet    OpCode = 54
	OpPortInfoGet      OpCode = 55
	OpPortInfoSet      OpCode = 56
	OpRpipeGet         OpCode = 59
	OpRpipeSet         OpCode = 60
	OpLwdTrapEnable    OpCode = 64
	OpLwdTrapNotify    OpCode = 65
	OpLwdTrapAck       OpCode = 66
	OpLqiTrapEnable    OpCode = 68
	OpLqiTrapNotify    OpCode = 69
	OpLqiTrapAck       OpCode = 70
	OpQsfpFaultNotify  OpCode = 74
)

func (op OpCode) String() string {
	switch op {
	case OpFwVersion:
		return "FW_VERSION"
	case OpCsrRawRead:
		return "CSR_RAW_RD"
	case OpCsrRawWrite:
		return "CSR_RAW_WR"
	case OpFwStart:
		return "FW_START"
	case OpNodeGUIDGet:
		return "NODE_GUID_GET"
	case OpPortStateSet:
		return "PORT_LINK_STATE_SET"
	case OpPortPhysStateSet:
		return "PORT_PHYS_STATE_SET"
	case OpPortBeaconSet:
		return "PORT_BEACON_SET"
	case OpReset:
		return "RESET"
	case OpPscTrapEnable:
		return "PSC_TRAP_ENABLE"
	case OpPscTrapNotify:
		return "PSC_TRAP_NOTIFY"
	case OpPscTrapAck:
		return "PSC_TRAP_ACK"
	case OpSwitchInfoGet:
		return "SWITCHINFO_GET"
	case OpSwitchInfoSet:
		return "SWITCHINFO_SET"
	case OpPortInfoGet:
		return "PORTINFO_GET"
	case OpPortInfoSet:
		return "PORTINFO_SET"
	case OpRpipeGet:
		return "RPIPE_GET"
	case OpRpipeSet:
		return "RPIPE_SET"
	case OpLwdTrapEnable:
		return "LWD_TRAP_ENABLE"
	case OpLwdTrapNotify:
		return "LWD_TRAP_NOTIFY"
	case OpLwdTrapAck:
		return "LWD_TRAP_ACK"
	case OpLqiTrapEnable:
		return "LQI_TRAP_ENABLE"
	case OpLqiTrapNotify:
		return "LQI_TRAP_NOTIFY"
	case OpLqiTrapAck:
		return "LQI_TRAP_ACK"
	case OpQsfpFaultNotify:
		return "QSFP_FAULT_NOTIFY"
	}

	return fmt.Sprintf("OPCODE(%d)", uint8(op))
}

// RspStatus is the firmware completion status carried in a response
// control word.
type RspStatus uint8

const (
	RspOK           RspStatus = 0
	RspSeqNoError   RspStatus = 1
	RspOpCodeError  RspStatus = 2
	RspLogicalError RspStatus = 3
	RspRetry        RspStatus = 4
	RspDenied       RspStatus = 5
)

func (s RspStatus) String() string {
	switch s {
	case RspOK:
		return "OK"
	case RspSeqNoError:
		return "SEQ_NO_ERROR"
	case RspOpCodeError:
		return "OP_CODE_ERROR"
	case RspLogicalError:
		return "LOGICAL_ERROR"
	case RspRetry:
		return "RETRY"
	case RspDenied:
		return "DENIED"
	}

	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

// Control word layout
//
//	[7:0]   opcode
//	[8]     message type (1 = request, 0 = response)
//	[9]     posted flag
//	[15:10] sequence number, modulo 64
//	[27:16] parameter length in bytes
//	[31:28] response status
//	[63:32] transaction id
const (
	cwOpCodeShift    = 0
	cwOpCodeMask     = 0xff
	cwTypeShift      = 8
	cwPostedShift    = 9
	cwSeqNoShift     = 10
	cwSeqNoMask      = 0x3f
	cwParamsLenShift = 16
	cwParamsLenMask  = 0xfff
	cwRspStatusShift = 28
	cwRspStatusMask  = 0xf
	cwTidShift       = 32
	cwTidMask        = 0xffffffff
)

// MsgType distinguishes requests from responses on the wire.
type MsgType uint8

const (
	MsgResponse MsgType = 0
	MsgRequest  MsgType = 1
)

// ControlWord is the 64-bit header of every mailbox message.
type ControlWord uint64

// BuildControlWord assembles a control word from its fields.
func BuildControlWord(op OpCode, t MsgType, posted bool, seqNo uint8, paramsLen uint16, tid uint32) ControlWord {
	cw := uint64(op)<<cwOpCodeShift |
		uint64(t&1)<<cwTypeShift |
		uint64(seqNo&cwSeqNoMask)<<cwSeqNoShift |
		uint64(paramsLen&cwParamsLenMask)<<cwParamsLenShift |
		uint64(tid)<<cwTidShift

	if posted {
		cw |= 1 << cwPostedShift
	}

	return ControlWord(cw)
}

func (cw ControlWord) OpCode() OpCode {
	return OpCode(cw >> cwOpCodeShift & cwOpCodeMask)
}

func (cw ControlWord) Type() MsgType {
	return MsgType(cw >> cwTypeShift & 1)
}

func (cw ControlWord) IsRequest() bool {
	return cw.Type() == MsgRequest
}

func (cw ControlWord) Posted() bool {
	return cw>>cwPostedShift&1 != 0
}

func (cw ControlWord) SeqNo() uint8 {
	return uint8(cw >> cwSeqNoShift & cwSeqNoMask)
}

func (cw ControlWord) ParamsLen() uint16 {
	return uint16(cw >> cwParamsLenShift & cwParamsLenMask)
}

func (cw ControlWord) RspStatus() RspStatus {
	return RspStatus(cw >> cwRspStatusShift & cwRspStatusMask)
}

func (cw ControlWord) Tid() uint32 {
	return uint32(cw >> cwTidShift & cwTidMask)
}

// WithRspStatus returns a copy of the control word carrying the given
// completion status. Used by responders.
func (cw ControlWord) WithRspStatus(s RspStatus) ControlWord {
	cw &^= cwRspStatusMask << cwRspStatusShift
	return cw | ControlWord(s&cwRspStatusMask)<<cwRspStatusShift
}

// WithParamsLen returns a copy of the control word with the parameter
// length replaced.
func (cw ControlWord) WithParamsLen(n uint16) ControlWord {
	cw &^= cwParamsLenMask << cwParamsLenShift
	return cw | ControlWord(n&cwParamsLenMask)<<cwParamsLenShift
}

// NextSeqNo advances a sequence number modulo 64.
func NextSeqNo(seqNo uint8) uint8 {
	return (seqNo + 1) % SeqNoModulus
}
