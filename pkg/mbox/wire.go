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

// Parameter-area structures, packed with structex annotations. Layouts
// are shared with the firmware; changing any field changes the wire
// format.

// LinkState is the logical port state reported and commanded through
// the link manager opcodes.
type LinkState uint8

const (
	LinkStateNop    LinkState = 0
	LinkStateDown   LinkState = 1
	LinkStateInit   LinkState = 2
	LinkStateArmed  LinkState = 3
	LinkStateActive LinkState = 4
)

func (s LinkState) String() string {
	switch s {
	case LinkStateDown:
		return "Down"
	case LinkStateInit:
		return "Init"
	case LinkStateArmed:
		return "Armed"
	case LinkStateActive:
		return "Active"
	}

	return "Nop"
}

// PhysState is the physical port state.
type PhysState uint8

const (
	PhysStateNop      PhysState = 0
	PhysStatePolling  PhysState = 2
	PhysStateDisabled PhysState = 3
	PhysStateLinkUp   PhysState = 5
)

// Port types reported in PortInfo.
const (
	PortTypeUnknown    uint8 = 0
	PortTypeFabric     uint8 = 1 // externally cabled
	PortTypeBridge     uint8 = 2 // internally facing
	PortTypeManagement uint8 = 3
)

// FwVersionRsp is the FW_VERSION response. SupportedOpcodes is the
// capability bitmap gating every subsequent operation.
type FwVersionRsp struct {
	MboxVersion      uint8
	Environment      uint8
	Reserved         uint16
	Version          [24]byte
	SupportedOpcodes [4]uint64
}

// SwitchInfo is the per-subdevice firmware record.
type SwitchInfo struct {
	GUID                 uint64
	NumPorts             uint8
	RoutingModeSupported uint8 `bitfield:"4"`
	RoutingModeEnabled   uint8 `bitfield:"4"`
	Reserved             uint16
	LftTop               uint32 // highest valid forwarding table index
}

// PortInfo is the per-port firmware record returned by PORTINFO_GET.
type PortInfo struct {
	NeighborGUID               uint64
	PortErrorAction            uint32
	NeighborPortNumber         uint8
	PortType                   uint8
	PhysState                  uint8 `bitfield:"4"`
	LinkState                  uint8 `bitfield:"4"`
	LinkQualityIndicator       uint8 `bitfield:"3"`
	NeighborNormal             uint8 `bitfield:"1"`
	OfflineDisabledReason      uint8 `bitfield:"4"`
	LinkWidthEnabled           uint8
	LinkWidthActive            uint8
	LinkSpeedEnabled           uint8
	LinkSpeedActive            uint8
	LinkWidthDowngradeTxActive uint8
	LinkWidthDowngradeRxActive uint8
	LinkDownCount              uint8
	Reserved                   uint8
}

// NodeGUIDRsp is the NODE_GUID_GET response.
type NodeGUIDRsp struct {
	GUID uint64
}

// PortInfoReq selects ports for a batched PORTINFO_GET; bit N selects
// logical port N.
type PortInfoReq struct {
	PortMask uint32
	Reserved uint32
}

// PortStateReq carries PORT_LINK_STATE_SET / PORT_PHYS_STATE_SET.
type PortStateReq struct {
	Port     uint32
	State    uint32
	Reserved uint64
}

// PortBeaconReq carries PORT_BEACON_SET.
type PortBeaconReq struct {
	Port   uint32
	Enable uint32
}

// RpipeSetReq writes a run of forwarding table entries starting at
// StartIndex. Entries are in unpacked hardware form, one byte per
// destination FID; 0x7F marks an invalid entry.
type RpipeSetReq struct {
	StartIndex uint16
	NumEntries uint16 `countOf:"Entries"`
	Entries    []uint8
}

// RpipeGetReq reads back a run of forwarding table entries.
type RpipeGetReq struct {
	StartIndex uint16
	NumEntries uint16
}

// CsrReadReq reads a run of bytes from configuration register space.
type CsrReadReq struct {
	Addr uint64
	Len  uint32
}

// CsrWriteReq writes bytes into configuration register space.
type CsrWriteReq struct {
	Addr uint64
	Len  uint32 `countOf:"Data"`
	Data []uint8
}

// TrapNotification is the parameter area of the unsolicited PSC, LWD,
// LQI and QSFP fault notifications. Bit N of PortMask names logical
// port N.
type TrapNotification struct {
	PortMask uint32
	Reserved uint32
}
