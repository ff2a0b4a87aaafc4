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
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-fm/pkg/mbox"
)

// PortState is the manager-side state of one fabric port.
type PortState uint8

const (
	StateDisabled PortState = iota
	StateEnabled
	StateInError
	StateIsolated
	StateRecheck
	StateInit
	StateActive
)

func (s PortState) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateEnabled:
		return "Enabled"
	case StateInError:
		return "InError"
	case StateIsolated:
		return "Isolated"
	case StateRecheck:
		return "Recheck"
	case StateInit:
		return "Init"
	case StateActive:
		return "Active"
	}

	return "Unknown"
}

// Control bits are the operator-owned knobs of one port. They persist
// across restarts through the control store.
type Control uint32

const (
	ControlEnabled Control = 1 << iota
	ControlRoutable
	ControlBeaconing
	ControlClearError
)

// Trigger bits name the reasons a port manager pass runs. They
// accumulate atomically until the worker swaps them out.
type Trigger uint32

const (
	TriggerInit Trigger = 1 << iota
	TriggerDeisolate
	TriggerPsc
	TriggerLwd
	TriggerLqi
	TriggerQsfpPresence
	TriggerQsfpFault
	TriggerRescan
	TriggerCommand
)

// Port is one logical port of a subdevice. Only fabric ports run the
// state machine; management and bridge ports are bookkeeping entries.
type Port struct {
	sd       *Subdevice
	lpn      uint8
	portType uint8

	state    PortState
	controls atomic.Uint32

	// info is the last firmware record, refreshed at the top of each
	// port manager pass under the shared routable lock.
	info mbox.PortInfo

	// neighbor is resolved from info during a pass and consumed by the
	// routing sweep, which runs under the exclusive side of the same
	// lock.
	neighbor *Port

	// routed is published by the routing sweep once the port carries
	// traffic; routedNext stages the decision during the sweep's
	// exclusive phase.
	routed     atomic.Bool
	routedNext bool

	flaps      int
	beaconOn   bool
	nextStatus PortStatus
	status     atomic.Pointer[PortStatus]
}

func newPort(sd *Subdevice, lpn uint8, portType uint8) *Port {
	return &Port{sd: sd, lpn: lpn, portType: portType}
}

// LPN returns the logical port number.
func (p *Port) LPN() uint8 { return p.lpn }

// State returns the state seen at the last pass.
func (p *Port) State() PortState {
	if s := p.status.Load(); s != nil {
		return s.State
	}

	return p.state
}

func (p *Port) control(c Control) bool {
	return Control(p.controls.Load())&c != 0
}

func (p *Port) setControl(c Control, enable bool) {
	for {
		old := p.controls.Load()
		next := old | uint32(c)
		if !enable {
			next = old &^ uint32(c)
		}
		if p.controls.CompareAndSwap(old, next) {
			return
		}
	}
}

func (p *Port) linkState() mbox.LinkState { return mbox.LinkState(p.info.LinkState) }

// fsmIO collects the side effects of one pass over a subdevice's
// ports.
type fsmIO struct {
	// deisolating releases isolated ports for another neighbor check.
	deisolating bool

	// routingChanged requests a routing sweep once the pass finishes.
	routingChanged bool

	// rescanNeeded schedules another pass.
	rescanNeeded bool

	// requestDeisolation asks for a fabric-wide deisolation pass after
	// a link reaches Active, in case the topology change clears an
	// isolation cause.
	requestDeisolation bool
}

func (p *Port) step(io *fsmIO) {
	prev := p.state

	switch p.state {
	case StateDisabled:
		p.stepDisabled(io)
	case StateEnabled:
		p.stepEnabled(io)
	case StateInit:
		p.stepInit(io)
	case StateActive:
		p.stepActive(io)
	case StateIsolated:
		p.stepIsolated(io)
	case StateRecheck:
		p.stepRecheck(io)
	case StateInError:
		p.stepInError(io)
	}

	if p.state != prev {
		p.sd.log.WithFields(log.Fields{
			"port": p.lpn, "link": p.linkState().String(),
		}).Infof("port %s -> %s", prev, p.state)
		io.rescanNeeded = true
	}
}

func (p *Port) stepDisabled(io *fsmIO) {
	if !p.control(ControlEnabled) {
		return
	}

	if err := p.sd.mbox.PortPhysStateSet(p.lpn, mbox.PhysStatePolling); err != nil {
		p.fail(io, err)
		return
	}

	p.state = StateEnabled
}

func (p *Port) stepEnabled(io *fsmIO) {
	if !p.control(ControlEnabled) {
		p.disable(io)
		return
	}

	switch p.linkState() {
	case mbox.LinkStateInit:
		p.trainOrIsolate(io)

	case mbox.LinkStateArmed:
		p.activate(io)

	case mbox.LinkStateActive:
		p.state = StateActive
		io.routingChanged = true
	}
}

func (p *Port) stepInit(io *fsmIO) {
	switch p.linkState() {
	case mbox.LinkStateDown:
		// Partner dropped the link before training finished.
		p.state = StateEnabled
		p.flaps++

	case mbox.LinkStateInit:
		// The arm did not take; issue it again.
		p.trainOrIsolate(io)

	case mbox.LinkStateArmed:
		p.activate(io)

	case mbox.LinkStateActive:
		p.state = StateActive
		io.routingChanged = true
		io.requestDeisolation = true
	}
}

func (p *Port) stepActive(io *fsmIO) {
	if !p.control(ControlEnabled) {
		p.disable(io)
		io.routingChanged = true
		return
	}

	if p.linkState() != mbox.LinkStateActive {
		p.state = StateEnabled
		p.flaps++
		io.routingChanged = true
	}
}

func (p *Port) stepIsolated(io *fsmIO) {
	if !p.control(ControlEnabled) {
		p.sd.dev.fabric.isolatedPorts.Add(-1)
		p.disable(io)
		return
	}

	if io.deisolating {
		p.sd.dev.fabric.isolatedPorts.Add(-1)
		p.state = StateRecheck
		io.rescanNeeded = true
	}
}

func (p *Port) stepRecheck(io *fsmIO) {
	if !p.control(ControlEnabled) {
		p.disable(io)
		return
	}

	switch p.linkState() {
	case mbox.LinkStateInit:
		p.trainOrIsolate(io)

	case mbox.LinkStateArmed:
		p.activate(io)

	case mbox.LinkStateActive:
		p.state = StateActive
		io.routingChanged = true

	default:
		p.state = StateEnabled
	}
}

func (p *Port) stepInError(io *fsmIO) {
	if !p.control(ControlClearError) {
		return
	}

	p.setControl(ControlClearError, false)
	p.state = StateDisabled
	io.rescanNeeded = true
}

// trainOrIsolate arms a link whose neighbor passes the cabling policy,
// and isolates one that does not.
func (p *Port) trainOrIsolate(io *fsmIO) {
	if !p.validNeighbor() {
		if p.state != StateIsolated {
			p.sd.dev.fabric.isolatedPorts.Add(1)
			p.sd.log.WithFields(log.Fields{
				"port":         p.lpn,
				"neighborGUID": p.info.NeighborGUID,
				"neighborPort": p.info.NeighborPortNumber,
			}).Warnf("port isolated: cabling policy violation")
		}
		p.state = StateIsolated
		return
	}

	if err := p.sd.mbox.PortStateSet(p.lpn, mbox.LinkStateArmed); err != nil {
		p.fail(io, err)
		return
	}

	p.state = StateInit
}

func (p *Port) activate(io *fsmIO) {
	if err := p.sd.mbox.PortStateSet(p.lpn, mbox.LinkStateActive); err != nil {
		p.fail(io, err)
		return
	}

	p.state = StateInit
	io.rescanNeeded = true
}

func (p *Port) disable(io *fsmIO) {
	if err := p.sd.mbox.PortPhysStateSet(p.lpn, mbox.PhysStateDisabled); err != nil {
		p.fail(io, err)
		return
	}

	p.state = StateDisabled
	p.flaps = 0
}

func (p *Port) fail(io *fsmIO, err error) {
	p.sd.log.WithError(err).WithField("port", p.lpn).Errorf("port command failed")

	wasActive := p.state == StateActive
	p.state = StateInError
	if wasActive {
		io.routingChanged = true
	}
}

// validNeighbor applies the cabling policy to the reported neighbor.
func (p *Port) validNeighbor() bool {
	guid := p.info.NeighborGUID
	if guid == 0 {
		return false
	}

	f := p.sd.dev.fabric
	neighbor := f.subdeviceByGUID(guid)
	if neighbor == nil {
		// Cabled to something outside this fabric.
		return false
	}

	allowDirect, isolatePairs := f.loopbackPolicy()

	if neighbor == p.sd && p.info.NeighborPortNumber == p.lpn {
		return allowDirect
	}

	if neighbor.dev == p.sd.dev {
		return !isolatePairs
	}

	return true
}

// resolveNeighbor caches the peer port for the routing sweep. Only a
// mutually confirmed pair routes.
func (p *Port) resolveNeighbor() {
	p.neighbor = nil

	if p.state != StateActive {
		return
	}

	sd := p.sd.dev.fabric.subdeviceByGUID(p.info.NeighborGUID)
	if sd == nil || sd == p.sd {
		// A loop back into this subdevice is never a topology edge.
		return
	}

	p.neighbor = sd.fabricPort(p.info.NeighborPortNumber)
}

func (p *Port) syncBeacon() {
	want := p.control(ControlBeaconing)
	if want == p.beaconOn {
		return
	}

	if err := p.sd.mbox.PortBeaconSet(p.lpn, want); err != nil {
		p.sd.log.WithError(err).WithField("port", p.lpn).Warnf("beacon update failed")
		return
	}

	p.beaconOn = want
}

// portManager runs the state machines of one subdevice's fabric ports
// from a single worker goroutine.
type portManager struct {
	sd *Subdevice

	triggers atomic.Uint32
	kick     chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

func newPortManager(sd *Subdevice) *portManager {
	pm := &portManager{
		sd:     sd,
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go pm.run()

	return pm
}

// trigger records a reason for a pass and kicks the worker. Multiple
// triggers coalesce into one pass.
func (pm *portManager) trigger(t Trigger) {
	for {
		old := pm.triggers.Load()
		if pm.triggers.CompareAndSwap(old, old|uint32(t)) {
			break
		}
	}

	select {
	case pm.kick <- struct{}{}:
	default:
	}
}

func (pm *portManager) stop() {
	close(pm.stopCh)
	<-pm.doneCh
}

func (pm *portManager) run() {
	defer close(pm.doneCh)

	for {
		select {
		case <-pm.stopCh:
			return
		case <-pm.kick:
			pm.update()
		}
	}
}

// update is one pass: refresh port records, step every state machine,
// publish health, and hand the side effects to the fabric.
func (pm *portManager) update() {
	sd := pm.sd
	f := sd.dev.fabric

	triggers := Trigger(pm.triggers.Swap(0))

	io := fsmIO{deisolating: triggers&TriggerDeisolate != 0}

	// The shared side keeps the routing sweep's write phase out while
	// port records and states move.
	f.routableLock.LockShared()

	infos, err := sd.mbox.PortInfoGet(sd.fabricPortMask())
	if err != nil {
		f.routableLock.UnlockShared()
		sd.log.WithError(err).Errorf("port records unavailable")
		pm.failAll(&io)
		return
	}

	for _, p := range sd.fabricPorts() {
		if info := infos[p.lpn]; info != nil {
			p.info = *info
		}

		p.step(&io)
		p.resolveNeighbor()
		p.syncBeacon()
		p.refreshHealth()
		p.publishStatus()
	}

	f.routableLock.UnlockShared()

	pm.ackTraps(triggers)

	if io.requestDeisolation {
		f.DeisolateAll()
	}

	if io.routingChanged {
		f.RequestSweep()
	}

	if io.rescanNeeded {
		pm.trigger(TriggerRescan)
	}
}

// failAll marks every fabric port failed when the subdevice itself
// stops answering.
func (pm *portManager) failAll(io *fsmIO) {
	f := pm.sd.dev.fabric

	f.routableLock.LockShared()
	for _, p := range pm.sd.fabricPorts() {
		if p.state == StateIsolated {
			f.isolatedPorts.Add(-1)
		}
		if p.state == StateActive {
			io.routingChanged = true
		}
		p.state = StateInError
		p.neighbor = nil
		p.refreshHealth()
		p.publishStatus()
	}
	f.routableLock.UnlockShared()

	if io.routingChanged {
		f.RequestSweep()
	}
}

func (pm *portManager) ackTraps(triggers Trigger) {
	acks := []struct {
		trigger Trigger
		notify  mbox.OpCode
	}{
		{TriggerPsc, mbox.OpPscTrapNotify},
		{TriggerLwd, mbox.OpLwdTrapNotify},
		{TriggerLqi, mbox.OpLqiTrapNotify},
	}

	for _, a := range acks {
		if triggers&a.trigger == 0 {
			continue
		}

		if err := pm.sd.mbox.TrapAck(a.notify); err != nil {
			pm.sd.log.WithError(err).Warnf("%s acknowledge failed", a.notify)
		}
	}
}
