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

// Package fabric manages a tile interconnect fabric: it brings up the
// links of every subdevice through a per-port state machine, discovers
// the cabled topology, computes routes, and programs the switch
// forwarding tables through the firmware mailboxes.
package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-fm/pkg/kvstore"
	"github.com/NearNodeFlash/nnf-fm/pkg/mbox"
)

const (
	// maxSubdevsPerDevice is fixed by the device package layout.
	maxSubdevsPerDevice = 2

	// fwReadyRetries bounds the firmware readiness poll at attach.
	fwReadyRetries = 8
)

// Fabric is the manager singleton. It owns the devices, the routing
// engine, and the persistent store of administrative port controls.
type Fabric struct {
	id     uuid.UUID
	config *ConfigFile
	opts   Options

	mu      sync.Mutex
	devices []*Device
	guids   map[uint64]*Subdevice

	// routableLock serializes the routing sweep's write phase against
	// every port manager pass; see sweep().
	routableLock  *sxLock
	isolatedPorts atomic.Int32

	genStart  atomic.Uint32
	genEnd    atomic.Uint32
	planes    []*plane
	sweepErrs atomic.Int32

	sweeper *sweeper
	store   *kvstore.Store
	closed  atomic.Bool
}

// Device is one physical card.
type Device struct {
	fabric *Fabric
	index  uint32

	pkgOffsetGB int
	pkgSizeGB   int

	subdevs []*Subdevice
}

// Subdevice is one independently routable switch unit.
type Subdevice struct {
	dev   *Device
	index int
	guid  uint64

	mbox  *mbox.Mailbox
	ports []*Port // indexed by logical port number; 0 is management

	pm      *portManager
	routing routingState

	log *log.Entry
}

// SubdeviceWindow hands one subdevice's register window to the
// manager, with an optional interrupt source.
type SubdeviceWindow struct {
	Window mbox.Window
	Events <-chan struct{}
}

// New creates the manager and starts its routing worker. Devices are
// added with AttachDevice.
func New(config *ConfigFile, opts Options) (*Fabric, error) {
	if opts.RPCTimeout == 0 {
		resolved, err := config.ResolveOptions()
		if err != nil {
			return nil, err
		}
		opts.RPCTimeout = resolved.RPCTimeout
	}

	f := &Fabric{
		id:           uuid.New(),
		config:       config,
		opts:         opts,
		guids:        make(map[uint64]*Subdevice),
		routableLock: newSxLock(),
	}

	if opts.StorePath != "" || opts.StoreInMemory {
		store, err := kvstore.Open(opts.StorePath, opts.StoreInMemory)
		if err != nil {
			return nil, fmt.Errorf("fabric: open control store: %w", err)
		}
		store.Register([]kvstore.Registry{&controlRegistry{fabric: f}})
		f.store = store
	}

	f.sweeper = newSweeper(f)

	log.Infof("fabric %s: manager created", f.id)

	return f, nil
}

// ID returns the manager instance identifier.
func (f *Fabric) ID() string {
	return f.id.String()
}

// AttachDevice brings one device under management, one register window
// per subdevice. The firmware handshake runs here; ports come up
// asynchronously afterwards.
func (f *Fabric) AttachDevice(index uint32, windows []SubdeviceWindow) (*Device, error) {
	devConfig := f.config.device(index)
	if devConfig == nil {
		return nil, fmt.Errorf("device %d not present in configuration", index)
	}
	if len(windows) != devConfig.Subdevices {
		return nil, fmt.Errorf("device %d: expected %d subdevice windows, received %d",
			index, devConfig.Subdevices, len(windows))
	}

	dev := &Device{
		fabric:      f,
		index:       index,
		pkgOffsetGB: devConfig.PkgOffsetGB,
		pkgSizeGB:   devConfig.PkgSizeGB,
	}

	for i, w := range windows {
		sd, err := f.attachSubdevice(dev, i, w)
		if err != nil {
			for _, prev := range dev.subdevs {
				prev.mbox.Stop()
			}
			return nil, fmt.Errorf("device %d subdevice %d: %w", index, i, err)
		}

		dev.subdevs = append(dev.subdevs, sd)
	}

	// Publish the device to the routable set.
	f.routableLock.LockExclusive()
	f.mu.Lock()
	f.devices = append(f.devices, dev)
	for _, sd := range dev.subdevs {
		f.guids[sd.guid] = sd
	}
	f.mu.Unlock()
	f.routableLock.UnlockExclusive()

	for _, sd := range dev.subdevs {
		sd.pm = newPortManager(sd)
		sd.pm.trigger(TriggerInit)
	}

	f.RequestSweep()

	log.Infof("fabric %s: device %d attached with %d subdevices", f.id, index, len(dev.subdevs))

	return dev, nil
}

func (f *Fabric) attachSubdevice(dev *Device, index int, w SubdeviceWindow) (*Subdevice, error) {
	name := fmt.Sprintf("d%d.s%d", dev.index, index)

	events := w.Events
	if f.opts.Polling {
		events = nil
	}

	m := mbox.New(w.Window, mbox.Config{
		Name:             name,
		Events:           events,
		RPCTimeout:       f.opts.RPCTimeout,
		FastPollInterval: f.opts.FastPollInterval,
		SlowPollInterval: f.opts.SlowPollInterval,
	})

	sd, err := f.initSubdevice(dev, index, m, name)
	if err != nil {
		m.Stop()
		return nil, err
	}

	return sd, nil
}

func (f *Fabric) initSubdevice(dev *Device, index int, m *mbox.Mailbox, name string) (*Subdevice, error) {
	// The firmware answers FW_VERSION once its message layer is up;
	// poll with bounded retries rather than waiting forever.
	var version *mbox.FwVersionRsp
	ready := func() error {
		v, err := m.FwVersion()
		if err != nil {
			return err
		}
		version = v
		return nil
	}
	if err := backoff.Retry(ready, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), fwReadyRetries)); err != nil {
		return nil, fmt.Errorf("firmware not ready: %w", err)
	}

	log.Infof("%s: firmware %q mbox version %d", name, string(version.Version[:]), version.MboxVersion)

	if err := m.FwStart(); err != nil {
		return nil, fmt.Errorf("firmware start: %w", err)
	}

	guid, err := m.NodeGUIDGet()
	if err != nil {
		return nil, err
	}

	switchInfo, err := m.SwitchInfoGet()
	if err != nil {
		return nil, err
	}

	portCount := 1 + f.config.FabricPorts + f.config.BridgePorts
	if int(switchInfo.NumPorts) < portCount {
		return nil, fmt.Errorf("firmware reports %d ports, configuration expects %d",
			switchInfo.NumPorts, portCount)
	}

	sd := &Subdevice{
		dev:   dev,
		index: index,
		guid:  guid,
		mbox:  m,
		log:   log.WithFields(log.Fields{"device": dev.index, "subdevice": index}),
	}

	sd.ports = make([]*Port, portCount)
	for lpn := 0; lpn < portCount; lpn++ {
		sd.ports[lpn] = newPort(sd, uint8(lpn), f.portType(lpn))
	}

	// Fabric ports start enabled and usable; persisted operator
	// controls replayed later override this.
	for _, p := range sd.fabricPorts() {
		p.controls.Store(uint32(ControlEnabled | ControlRoutable))
	}

	routingSdInit(sd)

	m.RegisterHandler(mbox.OpPscTrapNotify, func([]byte) { sd.pm.trigger(TriggerPsc) })
	m.RegisterHandler(mbox.OpLwdTrapNotify, func([]byte) { sd.pm.trigger(TriggerLwd) })
	m.RegisterHandler(mbox.OpLqiTrapNotify, func([]byte) { sd.pm.trigger(TriggerLqi) })
	m.RegisterHandler(mbox.OpQsfpFaultNotify, func([]byte) { sd.pm.trigger(TriggerQsfpFault) })

	// A firmware without the trap opcodes still converges through
	// rescans.
	m.TrapsEnable()

	return sd, nil
}

func (f *Fabric) portType(lpn int) uint8 {
	switch {
	case lpn == 0:
		return mbox.PortTypeManagement
	case lpn <= f.config.FabricPorts:
		return mbox.PortTypeFabric
	default:
		return mbox.PortTypeBridge
	}
}

// DetachDevice removes a device from management: its port workers and
// mailboxes stop, its subdevices leave the routable set, and a sweep
// reroutes the remaining fabric around it.
func (f *Fabric) DetachDevice(index uint32) error {
	f.routableLock.LockExclusive()
	f.mu.Lock()

	var dev *Device
	for i, d := range f.devices {
		if d.index == index {
			dev = d
			f.devices = append(f.devices[:i], f.devices[i+1:]...)
			break
		}
	}
	if dev == nil {
		f.mu.Unlock()
		f.routableLock.UnlockExclusive()
		return fmt.Errorf("device %d is not attached", index)
	}

	for _, sd := range dev.subdevs {
		delete(f.guids, sd.guid)
	}

	// Sever the neighbor records of the survivors so no sweep routes
	// toward the departed device before their next port pass.
	remaining := f.devices
	f.mu.Unlock()

	for _, d := range remaining {
		for _, sd := range d.subdevs {
			for _, p := range sd.fabricPorts() {
				if p.neighbor != nil && p.neighbor.sd.dev == dev {
					p.neighbor = nil
				}
			}
		}
	}
	f.routableLock.UnlockExclusive()

	for _, sd := range dev.subdevs {
		sd.pm.stop()
	}
	for _, sd := range dev.subdevs {
		sd.mbox.Stop()
	}

	for _, d := range remaining {
		for _, sd := range d.subdevs {
			sd.pm.trigger(TriggerRescan)
		}
	}

	f.RequestSweep()

	log.Infof("fabric %s: device %d detached", f.id, index)

	return nil
}

// ReplayControls applies the persisted administrative port controls,
// then schedules a pass on every subdevice to act on them.
func (f *Fabric) ReplayControls() error {
	if f.store == nil {
		return nil
	}

	if err := f.store.Replay(); err != nil {
		return err
	}

	for _, sd := range f.allSubdevices() {
		sd.pm.trigger(TriggerCommand)
	}

	return nil
}

// Close tears the manager down in dependency order: routing engine,
// port managers, mailboxes, store.
func (f *Fabric) Close() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}

	f.sweeper.stop()

	for _, sd := range f.allSubdevices() {
		if sd.pm != nil {
			sd.pm.stop()
		}
	}

	for _, sd := range f.allSubdevices() {
		sd.mbox.Stop()
	}

	if f.store != nil {
		if err := f.store.Close(); err != nil {
			log.WithError(err).Warnf("fabric %s: control store close failed", f.id)
		}
	}

	log.Infof("fabric %s: manager closed", f.id)
}

func (f *Fabric) allSubdevices() []*Subdevice {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sds []*Subdevice
	for _, dev := range f.devices {
		sds = append(sds, dev.subdevs...)
	}

	return sds
}

func (f *Fabric) subdeviceByGUID(guid uint64) *Subdevice {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.guids[guid]
}

// GUID returns the subdevice's fabric GUID.
func (sd *Subdevice) GUID() uint64 {
	return sd.guid
}

// Name identifies the subdevice in log output.
func (sd *Subdevice) Name() string {
	return fmt.Sprintf("d%d.s%d", sd.dev.index, sd.index)
}

func (sd *Subdevice) fabricPorts() []*Port {
	f := sd.dev.fabric
	return sd.ports[1 : 1+f.config.FabricPorts]
}

func (sd *Subdevice) bridgePorts() []*Port {
	f := sd.dev.fabric
	return sd.ports[1+f.config.FabricPorts:]
}

func (sd *Subdevice) fabricPort(lpn uint8) *Port {
	f := sd.dev.fabric
	if lpn == 0 || int(lpn) > f.config.FabricPorts {
		return nil
	}

	return sd.ports[lpn]
}

func (sd *Subdevice) fabricPortMask() uint32 {
	var mask uint32
	for _, p := range sd.fabricPorts() {
		mask |= 1 << p.lpn
	}

	return mask
}
