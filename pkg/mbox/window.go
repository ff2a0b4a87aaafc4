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

// Register layout of the per-subdevice mailbox window. The outbound and
// inbound message regions each hold one control word plus parameters;
// the doorbell registers sit above them.
const (
	RegOutbox     uint32 = 0x0000 // outbound message, MessageSize bytes
	RegInbox      uint32 = 0x0800 // inbound message, MessageSize bytes
	RegIntStatus  uint32 = 0x1000 // pending doorbell events
	RegIntAck     uint32 = 0x1008 // write 1 to clear a status bit
	RegIntPartner uint32 = 0x1010 // write 1 to raise a status bit at the peer
	RegIntEnable  uint32 = 0x1018 // interrupt delivery mask

	WindowSize uint32 = 0x1020
)

// Doorbell bits carried in the interrupt status register.
const (
	IntInboxFull   uint64 = 1 << 0 // peer placed a message in our inbox
	IntOutboxEmpty uint64 = 1 << 1 // peer consumed our outbox message
)

// BadControlWord is what a dead register window returns for any 8-byte
// read. Receiving it in place of a control word fails that receive.
const BadControlWord ControlWord = ^ControlWord(0)

// Window is the capability handle to one subdevice's mailbox registers.
// Implementations must be safe for concurrent use. A hardware-backed
// implementation maps the device window; tests substitute an in-memory
// one.
type Window interface {
	// Read64 returns the 8-byte register at offset.
	Read64(offset uint32) (uint64, error)

	// Write64 stores an 8-byte register at offset.
	Write64(offset uint32, value uint64) error

	// Read copies len(p) bytes starting at offset into p.
	Read(offset uint32, p []byte) error

	// Write copies p into the window starting at offset.
	Write(offset uint32, p []byte) error
}
