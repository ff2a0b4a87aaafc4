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

	"github.com/NearNodeFlash/nnf-fm/pkg/mbox"
)

// The operator-facing surface of the manager. Control changes are
// recorded, persisted, and handed to the owning port manager worker;
// the caller never blocks on hardware.

// Device returns an attached device by index.
func (f *Fabric) Device(index uint32) *Device {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, dev := range f.devices {
		if dev.index == index {
			return dev
		}
	}

	return nil
}

// Subdevice returns one switch unit of the device.
func (d *Device) Subdevice(index int) *Subdevice {
	if index < 0 || index >= len(d.subdevs) {
		return nil
	}

	return d.subdevs[index]
}

// SubdeviceByGUID resolves a fabric GUID to its subdevice.
func (f *Fabric) SubdeviceByGUID(guid uint64) *Subdevice {
	return f.subdeviceByGUID(guid)
}

// PortEnable turns a fabric port on or off. Disabling drops the link
// and pulls the port out of the routed fabric.
func (sd *Subdevice) PortEnable(lpn uint8, enable bool) error {
	return sd.setPortControl(lpn, ControlEnabled, enable)
}

// PortUsageEnable controls whether an otherwise healthy port carries
// routed traffic.
func (sd *Subdevice) PortUsageEnable(lpn uint8, enable bool) error {
	if err := sd.setPortControl(lpn, ControlRoutable, enable); err != nil {
		return err
	}

	sd.dev.fabric.RequestSweep()

	return nil
}

// PortBeaconEnable drives the port locator beacon.
func (sd *Subdevice) PortBeaconEnable(lpn uint8, enable bool) error {
	return sd.setPortControl(lpn, ControlBeaconing, enable)
}

// PortClearError releases a port held in the error state; it returns
// to Disabled and restarts from its Enabled control.
func (sd *Subdevice) PortClearError(lpn uint8) error {
	return sd.setPortControl(lpn, ControlClearError, true)
}

func (sd *Subdevice) setPortControl(lpn uint8, c Control, enable bool) error {
	p := sd.fabricPort(lpn)
	if p == nil {
		return fmt.Errorf("%s: port %d is not a fabric port", sd.Name(), lpn)
	}

	p.setControl(c, enable)
	sd.dev.fabric.persistControls(p)
	sd.pm.trigger(TriggerCommand)

	return nil
}

// PortStatus returns the last published condition snapshot of a fabric
// port.
func (sd *Subdevice) PortStatus(lpn uint8) (PortStatus, error) {
	p := sd.fabricPort(lpn)
	if p == nil {
		return PortStatus{}, fmt.Errorf("%s: port %d is not a fabric port", sd.Name(), lpn)
	}

	return p.Status(), nil
}

// PortIsRouted reports whether the routing sweep carries traffic over
// the port.
func (sd *Subdevice) PortIsRouted(lpn uint8) bool {
	p := sd.fabricPort(lpn)
	return p != nil && p.routed.Load()
}

// MailboxCounters returns the subdevice's message layer counters.
func (sd *Subdevice) MailboxCounters() mbox.Counters {
	return sd.mbox.Counters()
}

// ForwardingEntry reads the committed forwarding decision for a FID,
// invalidPort8 when unrouted.
func (sd *Subdevice) ForwardingEntry(fid int) uint8 {
	r := &sd.routing

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.uft == nil {
		return invalidPort8
	}

	e := r.uft.entry(fid)
	if e == invalidPort4 {
		return invalidPort8
	}

	return e
}

// IsolatedPorts counts ports currently held in isolation.
func (f *Fabric) IsolatedPorts() int {
	return int(f.isolatedPorts.Load())
}

// DeisolateAll releases every isolated port for another neighbor
// check against the current cabling policy.
func (f *Fabric) DeisolateAll() {
	for _, sd := range f.allSubdevices() {
		sd.pm.trigger(TriggerDeisolate)
	}
}

// SetLoopbackPolicy changes the cabling policy. Ports already isolated
// stay isolated until DeisolateAll.
func (f *Fabric) SetLoopbackPolicy(allowDirect, isolatePairs bool) {
	f.mu.Lock()
	f.opts.AllowDirectLoopback = allowDirect
	f.opts.IsolateLoopPairs = isolatePairs
	f.mu.Unlock()
}

func (f *Fabric) loopbackPolicy() (allowDirect, isolatePairs bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.opts.AllowDirectLoopback, f.opts.IsolateLoopPairs
}

// RoutingCost returns the hop count between two subdevices as of the
// last completed sweep, costInfinite when no path exists.
func (f *Fabric) RoutingCost(a, b *Subdevice) uint16 {
	f.routableLock.LockShared()
	defer f.routableLock.UnlockShared()

	pl := a.routing.plane
	if pl == nil || pl != b.routing.plane {
		return costInfinite
	}

	return pl.Cost(a, b)
}
