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

// Package simfw simulates the subdevice firmware behind the mailbox
// register window. It implements enough of the message layer, link
// training model and table storage to run the fabric manager without
// hardware: development, the command line runner, and tests all drive
// the manager against it.
package simfw

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/NearNodeFlash/nnf-fm/pkg/mbox"
)

// Sim is one simulated fabric: a set of subdevice firmwares plus the
// cabling between their ports. One lock serializes the whole fabric so
// cross-device effects, link training in particular, stay atomic.
type Sim struct {
	mu sync.Mutex

	config Config
	fws    map[Endpoint]*Firmware
}

// Endpoint names one port in the simulated fabric. Cables connect two
// endpoints; an endpoint cabled to itself is a direct loopback.
type Endpoint struct {
	Device uint32 `yaml:"device"`
	Subdev int    `yaml:"subdev"`
	Port   uint8  `yaml:"port"`
}

// New builds the simulated fabric described by the configuration.
func New(config Config) (*Sim, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	s := &Sim{
		config: config,
		fws:    make(map[Endpoint]*Firmware),
	}

	for _, d := range config.Devices {
		for sd := 0; sd < d.Subdevices; sd++ {
			fw := newFirmware(s, d.Index, sd)
			s.fws[Endpoint{Device: d.Index, Subdev: sd}] = fw
		}
	}

	return s, nil
}

// Firmware returns the simulated firmware of one subdevice; its window
// side implements mbox.Window.
func (s *Sim) Firmware(device uint32, subdev int) *Firmware {
	return s.fws[Endpoint{Device: device, Subdev: subdev}]
}

// peer resolves the far end of the cable at an endpoint, nil when the
// port is uncabled.
func (s *Sim) peer(fw *Firmware, lpn uint8) (*Firmware, uint8) {
	ep := Endpoint{Device: fw.device, Subdev: fw.subdev, Port: lpn}

	for _, c := range s.config.Cables {
		if c.A == ep {
			return s.fws[Endpoint{Device: c.B.Device, Subdev: c.B.Subdev}], c.B.Port
		}
		if c.B == ep {
			return s.fws[Endpoint{Device: c.A.Device, Subdev: c.A.Subdev}], c.A.Port
		}
	}

	return nil, 0
}

// simPort is the firmware-side state of one port.
type simPort struct {
	linkState mbox.LinkState
	physState mbox.PhysState

	beacon        bool
	linkQuality   uint8
	linkDownCount uint8
}

// delivery is one message queued for the manager's inbox. Responses
// also release the manager's outbox; notifications do not.
type delivery struct {
	cw        mbox.ControlWord
	params    []byte
	ackOutbox bool
	seqReset  bool
}

// Firmware is one subdevice's simulated firmware. The manager talks to
// it through the mbox.Window methods; everything else is test and
// tooling surface.
type Firmware struct {
	sim    *Sim
	device uint32
	subdev int
	guid   uint64

	started bool

	// Manager-visible doorbell status and message regions.
	status    uint64
	outboxBuf [mbox.MessageSize]byte
	inboxBuf  [mbox.MessageSize]byte

	inboxBusy bool
	queue     []delivery

	txSeq uint8
	rxSeq uint8
	tid   uint32

	ports      []*simPort
	switchInfo mbox.SwitchInfo
	rpipe      []uint8
	csr        map[uint64]uint8

	pscEnabled bool
	lwdEnabled bool
	lqiEnabled bool

	rpipeWrites    int
	csrWrites      int
	switchInfoSets int

	failRpipe bool

	events chan struct{}
}

// rpipeEntries is the simulated forwarding table capacity.
const rpipeEntries = 48 * 1024

func newFirmware(s *Sim, device uint32, subdev int) *Firmware {
	fw := &Firmware{
		sim:    s,
		device: device,
		subdev: subdev,
		guid:   simGUID(device, subdev),
		// A fresh firmware is ready to accept its first message.
		status: mbox.IntOutboxEmpty,
		rpipe:  make([]uint8, rpipeEntries),
		csr:    make(map[uint64]uint8),
		events: make(chan struct{}, 8),
	}

	for i := range fw.rpipe {
		fw.rpipe[i] = 0x7F
	}

	numPorts := 1 + s.config.FabricPorts + s.config.BridgePorts
	fw.ports = make([]*simPort, numPorts)
	for i := range fw.ports {
		fw.ports[i] = &simPort{linkState: mbox.LinkStateDown, linkQuality: 5}
	}

	fw.switchInfo = mbox.SwitchInfo{
		GUID:     fw.guid,
		NumPorts: uint8(numPorts),
	}

	return fw
}

func simGUID(device uint32, subdev int) uint64 {
	return uint64(0x53494D)<<40 | uint64(device)<<8 | uint64(subdev) + 1
}

// GUID returns the subdevice GUID the firmware reports.
func (fw *Firmware) GUID() uint64 { return fw.guid }

// Events delivers a doorbell notification whenever the manager-visible
// status changes.
func (fw *Firmware) Events() <-chan struct{} { return fw.events }

func (fw *Firmware) signal() {
	select {
	case fw.events <- struct{}{}:
	default:
	}
}

// Read64 implements mbox.Window.
func (fw *Firmware) Read64(offset uint32) (uint64, error) {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	switch {
	case offset == mbox.RegIntStatus:
		return fw.status, nil
	case offset >= mbox.RegInbox && offset+8 <= mbox.RegInbox+mbox.MessageSize:
		return binary.LittleEndian.Uint64(fw.inboxBuf[offset-mbox.RegInbox:]), nil
	case offset >= mbox.RegOutbox && offset+8 <= mbox.RegOutbox+mbox.MessageSize:
		return binary.LittleEndian.Uint64(fw.outboxBuf[offset-mbox.RegOutbox:]), nil
	}

	return 0, fmt.Errorf("simfw: read64 offset %#x out of window", offset)
}

// Write64 implements mbox.Window.
func (fw *Firmware) Write64(offset uint32, value uint64) error {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	switch {
	case offset == mbox.RegIntAck:
		fw.status &^= value
		return nil

	case offset == mbox.RegIntPartner:
		fw.doorbell(value)
		return nil

	case offset == mbox.RegIntEnable:
		return nil

	case offset >= mbox.RegOutbox && offset+8 <= mbox.RegOutbox+mbox.MessageSize:
		binary.LittleEndian.PutUint64(fw.outboxBuf[offset-mbox.RegOutbox:], value)
		return nil
	}

	return fmt.Errorf("simfw: write64 offset %#x out of window", offset)
}

// Read implements mbox.Window.
func (fw *Firmware) Read(offset uint32, p []byte) error {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	if offset >= mbox.RegInbox && offset+uint32(len(p)) <= mbox.RegInbox+mbox.MessageSize {
		copy(p, fw.inboxBuf[offset-mbox.RegInbox:])
		return nil
	}

	return fmt.Errorf("simfw: read offset %#x out of window", offset)
}

// Write implements mbox.Window.
func (fw *Firmware) Write(offset uint32, p []byte) error {
	fw.sim.mu.Lock()
	defer fw.sim.mu.Unlock()

	if offset >= mbox.RegOutbox && offset+uint32(len(p)) <= mbox.RegOutbox+mbox.MessageSize {
		copy(fw.outboxBuf[offset-mbox.RegOutbox:], p)
		return nil
	}

	return fmt.Errorf("simfw: write offset %#x out of window", offset)
}

// doorbell handles the manager ringing our side. Caller holds the sim
// lock.
func (fw *Firmware) doorbell(bits uint64) {
	if bits&mbox.IntInboxFull != 0 {
		fw.consumeRequest()
	}

	if bits&mbox.IntOutboxEmpty != 0 {
		fw.inboxBusy = false
		fw.deliver()
	}
}

// consumeRequest processes the message the manager placed in our inbox
// (its outbox region).
func (fw *Firmware) consumeRequest() {
	cw := mbox.ControlWord(binary.LittleEndian.Uint64(fw.outboxBuf[:]))
	if !cw.IsRequest() {
		return
	}

	// Adopt the sender's sequencing on mismatch rather than wedging.
	if cw.SeqNo() != fw.rxSeq {
		fw.rxSeq = cw.SeqNo()
	}
	fw.rxSeq = mbox.NextSeqNo(fw.rxSeq)

	paramsLen := int(cw.ParamsLen())
	params := make([]byte, paramsLen)
	copy(params, fw.outboxBuf[mbox.ControlWordSize:mbox.ControlWordSize+paramsLen])

	status, rspParams := fw.process(cw.OpCode(), params)

	if cw.Posted() {
		if cw.OpCode() == mbox.OpReset {
			fw.txSeq = 0
			fw.rxSeq = 0
		}

		// Posted requests complete on consumption.
		fw.status |= mbox.IntOutboxEmpty
		fw.signal()
		return
	}

	rsp := mbox.BuildControlWord(cw.OpCode(), mbox.MsgResponse, false, 0, uint16(len(rspParams)), cw.Tid())
	rsp = rsp.WithRspStatus(status)

	fw.queue = append(fw.queue, delivery{
		cw:        rsp,
		params:    rspParams,
		ackOutbox: true,
		seqReset:  status == mbox.RspOK && (cw.OpCode() == mbox.OpReset || cw.OpCode() == mbox.OpFwStart),
	})

	fw.deliver()
}

// deliver moves the next queued message into the manager's inbox. The
// sequence number is assigned at delivery time so queued notifications
// and responses interleave correctly.
func (fw *Firmware) deliver() {
	if fw.inboxBusy || len(fw.queue) == 0 {
		return
	}

	d := fw.queue[0]
	fw.queue = fw.queue[1:]

	cw := mbox.BuildControlWord(d.cw.OpCode(), d.cw.Type(), d.cw.Posted(), fw.txSeq, d.cw.ParamsLen(), d.cw.Tid())
	cw = cw.WithRspStatus(d.cw.RspStatus())
	fw.txSeq = mbox.NextSeqNo(fw.txSeq)

	copy(fw.inboxBuf[mbox.ControlWordSize:], d.params)
	binary.LittleEndian.PutUint64(fw.inboxBuf[:], uint64(cw))

	fw.inboxBusy = true
	fw.status |= mbox.IntInboxFull
	if d.ackOutbox {
		// Responding is what frees the manager to send again.
		fw.status |= mbox.IntOutboxEmpty
	}

	if d.seqReset {
		fw.txSeq = 0
		fw.rxSeq = 0
	}

	fw.signal()
}

// notify queues an unsolicited request toward the manager. Caller
// holds the sim lock.
func (fw *Firmware) notify(op mbox.OpCode, portMask uint32) {
	params := make([]byte, 8)
	binary.LittleEndian.PutUint32(params, portMask)

	fw.tid++
	cw := mbox.BuildControlWord(op, mbox.MsgRequest, true, 0, uint16(len(params)), fw.tid)

	fw.queue = append(fw.queue, delivery{cw: cw, params: params})
	fw.deliver()
}

func (fw *Firmware) pscTrap(lpn uint8) {
	if fw.pscEnabled {
		fw.notify(mbox.OpPscTrapNotify, 1<<lpn)
	}
}
