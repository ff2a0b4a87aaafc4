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

package fabric_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	fabric "github.com/NearNodeFlash/nnf-fm/pkg/manager-fabric"
	"github.com/NearNodeFlash/nnf-fm/pkg/mbox"
	"github.com/NearNodeFlash/nnf-fm/pkg/simfw"
)

const (
	testFabricPorts = 4
	testBridgePorts = 2

	invalidEntry = uint8(0x7F)
)

func testOptions() fabric.Options {
	return fabric.Options{
		RPCTimeout:       2 * time.Second,
		FastPollInterval: time.Millisecond,
		SlowPollInterval: 20 * time.Millisecond,
		IsolateLoopPairs: true,
	}
}

// newTestFabric builds a simulated fabric and a manager over it, and
// attaches every device.
func newTestFabric(t *testing.T, simConfig simfw.Config, devices []fabric.DeviceConfig, opts fabric.Options) (*fabric.Fabric, *simfw.Sim) {
	t.Helper()

	sim, err := simfw.New(simConfig)
	if err != nil {
		t.Fatalf("simulated fabric: %s", err)
	}

	config := &fabric.ConfigFile{
		FabricPorts: simConfig.FabricPorts,
		BridgePorts: simConfig.BridgePorts,
		Devices:     devices,
	}

	f, err := fabric.New(config, opts)
	if err != nil {
		t.Fatalf("manager: %s", err)
	}
	t.Cleanup(f.Close)

	for _, d := range devices {
		var windows []fabric.SubdeviceWindow
		for sd := 0; sd < d.Subdevices; sd++ {
			fw := sim.Firmware(d.Index, sd)
			windows = append(windows, fabric.SubdeviceWindow{Window: fw, Events: fw.Events()})
		}

		if _, err := f.AttachDevice(d.Index, windows); err != nil {
			t.Fatalf("attach device %d: %s", d.Index, err)
		}
	}

	return f, sim
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

// waitSettled waits until at least one routing sweep completed and the
// last one begun has committed.
func waitSettled(t *testing.T, f *fabric.Fabric) {
	t.Helper()

	waitFor(t, "routing to settle", func() bool {
		start, end := f.RoutingGeneration()
		return start > 0 && start == end
	})
}

func waitPortState(t *testing.T, sd *fabric.Subdevice, lpn uint8, state fabric.PortState) {
	t.Helper()

	waitFor(t, "port state "+state.String(), func() bool {
		status, err := sd.PortStatus(lpn)
		return err == nil && status.State == state
	})
}

func singleSubdevDevices(count int) []fabric.DeviceConfig {
	devices := make([]fabric.DeviceConfig, count)
	for i := range devices {
		devices[i] = fabric.DeviceConfig{
			Index:       uint32(i),
			Subdevices:  1,
			PkgOffsetGB: i * 8,
			PkgSizeGB:   8,
		}
	}

	return devices
}

func simDevices(devices []fabric.DeviceConfig) []simfw.DeviceConfig {
	sim := make([]simfw.DeviceConfig, len(devices))
	for i, d := range devices {
		sim[i] = simfw.DeviceConfig{Index: d.Index, Subdevices: d.Subdevices}
	}

	return sim
}

func TestTwoSubdeviceLink(t *testing.T) {
	devices := singleSubdevDevices(2)

	f, sim := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
		Cables: []simfw.Cable{
			{A: simfw.Endpoint{Device: 0, Port: 1}, B: simfw.Endpoint{Device: 1, Port: 1}},
		},
	}, devices, testOptions())

	sd0 := f.Device(0).Subdevice(0)
	sd1 := f.Device(1).Subdevice(0)

	waitPortState(t, sd0, 1, fabric.StateActive)
	waitPortState(t, sd1, 1, fabric.StateActive)
	waitSettled(t, f)

	waitFor(t, "ports routed", func() bool {
		return sd0.PortIsRouted(1) && sd1.PortIsRouted(1)
	})

	// FID geometry is a pure function of device and subdevice index.
	if sd0.FidBase() != 832 || sd0.FidMgmt() != 64 {
		t.Errorf("sd0 fids: base %d mgmt %d", sd0.FidBase(), sd0.FidMgmt())
	}
	if sd1.FidBase() != 960 || sd1.FidMgmt() != 66 {
		t.Errorf("sd1 fids: base %d mgmt %d", sd1.FidBase(), sd1.FidMgmt())
	}

	// Remote data FIDs leave through the cabled port; odd FIDs never
	// route; local FIDs enter a bridge port; management FIDs terminate
	// on port 0.
	if e := sd0.ForwardingEntry(int(sd1.FidBase())); e != 1 {
		t.Errorf("entry to sd1 data: got port %d, want 1", e)
	}
	if e := sd0.ForwardingEntry(int(sd1.FidBase()) + 1); e != invalidEntry {
		t.Errorf("odd fid routed to port %d", e)
	}
	if e := sd0.ForwardingEntry(int(sd0.FidBase())); e != 1+testFabricPorts {
		t.Errorf("local data entry: got port %d, want bridge port %d", e, 1+testFabricPorts)
	}
	if e := sd0.ForwardingEntry(int(sd0.FidMgmt())); e != 0 {
		t.Errorf("local mgmt entry: got port %d, want 0", e)
	}
	if e := sd0.ForwardingEntry(int(sd1.FidMgmt())); e != 1 {
		t.Errorf("remote mgmt entry: got port %d, want 1", e)
	}

	// The hardware tables match what the manager computed.
	fw0 := sim.Firmware(0, 0)
	if e := fw0.RpipeEntry(int(sd1.FidBase())); e != 1 {
		t.Errorf("hardware entry to sd1: got %d, want 1", e)
	}
	if e := fw0.RpipeEntry(int(sd1.FidBase()) + 1); e != invalidEntry {
		t.Errorf("hardware odd fid entry: got %d", e)
	}

	status, err := sd0.PortStatus(1)
	if err != nil {
		t.Fatal(err)
	}
	if status.Health != fabric.HealthHealthy {
		t.Errorf("port health: got %s, want Healthy", status.Health)
	}
	if status.NeighborGUID != sd1.GUID() {
		t.Errorf("neighbor guid: got %#x, want %#x", status.NeighborGUID, sd1.GUID())
	}
}

func TestRingCosts(t *testing.T) {
	devices := singleSubdevDevices(4)

	cables := make([]simfw.Cable, 4)
	for i := uint32(0); i < 4; i++ {
		cables[i] = simfw.Cable{
			A: simfw.Endpoint{Device: i, Port: 2},
			B: simfw.Endpoint{Device: (i + 1) % 4, Port: 1},
		}
	}

	f, sim := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
		Cables:      cables,
	}, devices, testOptions())

	sds := make([]*fabric.Subdevice, 4)
	for i := range sds {
		sds[i] = f.Device(uint32(i)).Subdevice(0)
	}

	for _, sd := range sds {
		waitPortState(t, sd, 1, fabric.StateActive)
		waitPortState(t, sd, 2, fabric.StateActive)
	}
	waitSettled(t, f)

	waitFor(t, "ring costs", func() bool {
		return f.RoutingCost(sds[0], sds[2]) == 2
	})

	for i := range sds {
		if c := f.RoutingCost(sds[i], sds[i]); c != 0 {
			t.Errorf("self cost of sd%d: got %d", i, c)
		}

		next := sds[(i+1)%4]
		if c := f.RoutingCost(sds[i], next); c != 1 {
			t.Errorf("adjacent cost sd%d: got %d, want 1", i, c)
		}
		if c := f.RoutingCost(next, sds[i]); c != 1 {
			t.Errorf("adjacent cost not symmetric at sd%d: got %d", i, c)
		}

		opposite := sds[(i+2)%4]
		if c := f.RoutingCost(sds[i], opposite); c != 2 {
			t.Errorf("opposite cost sd%d: got %d, want 2", i, c)
		}
	}

	// Forwarding is point to point: direct neighbors route, and the
	// two-hop destination stays invalid even though its cost is known.
	if e := sds[0].ForwardingEntry(int(sds[1].FidBase())); e != 2 {
		t.Errorf("entry to next neighbor: got port %d, want 2", e)
	}
	if e := sds[0].ForwardingEntry(int(sds[3].FidBase())); e != 1 {
		t.Errorf("entry to previous neighbor: got port %d, want 1", e)
	}
	if e := sds[0].ForwardingEntry(int(sds[2].FidBase())); e != invalidEntry {
		t.Errorf("two-hop destination routed out port %d, want invalid", e)
	}

	fw0 := sim.Firmware(0, 0)
	if e := fw0.RpipeEntry(int(sds[2].FidBase())); e != invalidEntry {
		t.Errorf("hardware routes the two-hop destination out port %d", e)
	}
}

func TestSingletonPlane(t *testing.T) {
	devices := singleSubdevDevices(1)

	f, sim := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
	}, devices, testOptions())

	waitSettled(t, f)

	sd := f.Device(0).Subdevice(0)

	// An uncabled subdevice still owns valid FIDs and a programmed
	// local block.
	if sd.FidBase() < 832 {
		t.Errorf("fid base %d below data block region", sd.FidBase())
	}
	if e := sd.ForwardingEntry(int(sd.FidBase())); e != 1+testFabricPorts {
		t.Errorf("local entry: got port %d, want bridge port %d", e, 1+testFabricPorts)
	}

	fw := sim.Firmware(0, 0)
	if fw.RpipeWrites() == 0 {
		t.Error("no forwarding table writes reached the firmware")
	}

	// FIDs of groups this fabric does not own stay invalid.
	if e := fw.RpipeEntry(832 + 10*64); e != invalidEntry {
		t.Errorf("foreign fid group entry: got %d", e)
	}
}

func TestIdempotentResweep(t *testing.T) {
	devices := singleSubdevDevices(2)

	f, sim := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
		Cables: []simfw.Cable{
			{A: simfw.Endpoint{Device: 0, Port: 1}, B: simfw.Endpoint{Device: 1, Port: 1}},
		},
	}, devices, testOptions())

	sd0 := f.Device(0).Subdevice(0)
	sd1 := f.Device(1).Subdevice(0)

	waitPortState(t, sd0, 1, fabric.StateActive)
	waitPortState(t, sd1, 1, fabric.StateActive)
	waitSettled(t, f)

	fws := []*simfw.Firmware{sim.Firmware(0, 0), sim.Firmware(1, 0)}

	type writes struct{ Rpipe, Csr, SwitchInfo int }
	before := make([]writes, len(fws))
	for i, fw := range fws {
		before[i] = writes{fw.RpipeWrites(), fw.CsrWrites(), fw.SwitchInfoSets()}
	}

	startBefore, _ := f.RoutingGeneration()
	f.RequestSweep()

	waitFor(t, "resweep to complete", func() bool {
		start, end := f.RoutingGeneration()
		return start > startBefore && start == end
	})

	// Nothing moved, so nothing may have been written.
	for i, fw := range fws {
		after := writes{fw.RpipeWrites(), fw.CsrWrites(), fw.SwitchInfoSets()}
		if diff := cmp.Diff(before[i], after); diff != "" {
			t.Errorf("firmware %d written during idempotent resweep (-before +after):\n%s", i, diff)
		}
	}
}

func TestLoopPairIsolationAndPolicy(t *testing.T) {
	devices := singleSubdevDevices(1)

	f, _ := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
		Cables: []simfw.Cable{
			{A: simfw.Endpoint{Device: 0, Port: 1}, B: simfw.Endpoint{Device: 0, Port: 2}},
		},
	}, devices, testOptions())

	sd := f.Device(0).Subdevice(0)

	// Both ends of the loop pair violate the default policy.
	waitPortState(t, sd, 1, fabric.StateIsolated)
	waitPortState(t, sd, 2, fabric.StateIsolated)

	if n := f.IsolatedPorts(); n != 2 {
		t.Errorf("isolated ports: got %d, want 2", n)
	}

	status, _ := sd.PortStatus(1)
	if status.Health != fabric.HealthFailed || status.Reason != fabric.ReasonIsolated {
		t.Errorf("isolated port health: got %s/%s", status.Health, status.Reason)
	}

	// Isolation is sticky: a policy change alone releases nothing.
	f.SetLoopbackPolicy(false, false)
	time.Sleep(50 * time.Millisecond)
	if s, _ := sd.PortStatus(1); s.State != fabric.StateIsolated {
		t.Fatalf("policy change alone released the port: state %s", s.State)
	}

	f.DeisolateAll()

	waitPortState(t, sd, 1, fabric.StateActive)
	waitPortState(t, sd, 2, fabric.StateActive)

	if n := f.IsolatedPorts(); n != 0 {
		t.Errorf("isolated ports after deisolation: got %d", n)
	}

	// The active loop is never a topology edge: it carries no routes
	// and leaves the subdevice's self cost at zero.
	waitSettled(t, f)
	if c := f.RoutingCost(sd, sd); c != 0 {
		t.Errorf("self cost with an active loop pair: got %d, want 0", c)
	}
	if sd.PortIsRouted(1) || sd.PortIsRouted(2) {
		t.Error("loop pair ports carry fabric routes")
	}
}

func TestPortDisableRemovesRoutes(t *testing.T) {
	devices := singleSubdevDevices(2)

	f, sim := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
		Cables: []simfw.Cable{
			{A: simfw.Endpoint{Device: 0, Port: 1}, B: simfw.Endpoint{Device: 1, Port: 1}},
		},
	}, devices, testOptions())

	sd0 := f.Device(0).Subdevice(0)
	sd1 := f.Device(1).Subdevice(0)

	waitPortState(t, sd0, 1, fabric.StateActive)
	waitPortState(t, sd1, 1, fabric.StateActive)
	waitSettled(t, f)

	if err := sd0.PortEnable(1, false); err != nil {
		t.Fatal(err)
	}

	waitPortState(t, sd0, 1, fabric.StateDisabled)

	// The peer sees the link drop and both sides lose the route.
	fw0 := sim.Firmware(0, 0)
	waitFor(t, "route removal", func() bool {
		return fw0.RpipeEntry(int(sd1.FidBase())) == invalidEntry && !sd1.PortIsRouted(1)
	})

	status, _ := sd0.PortStatus(1)
	if status.Health != fabric.HealthOff {
		t.Errorf("disabled port health: got %s, want Off", status.Health)
	}
}

func TestPortUsageDisableKeepsLink(t *testing.T) {
	devices := singleSubdevDevices(2)

	f, sim := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
		Cables: []simfw.Cable{
			{A: simfw.Endpoint{Device: 0, Port: 1}, B: simfw.Endpoint{Device: 1, Port: 1}},
		},
	}, devices, testOptions())

	sd0 := f.Device(0).Subdevice(0)
	sd1 := f.Device(1).Subdevice(0)

	waitPortState(t, sd0, 1, fabric.StateActive)
	waitPortState(t, sd1, 1, fabric.StateActive)
	waitSettled(t, f)

	if err := sd0.PortUsageEnable(1, false); err != nil {
		t.Fatal(err)
	}

	fw0 := sim.Firmware(0, 0)
	waitFor(t, "route removal", func() bool {
		return fw0.RpipeEntry(int(sd1.FidBase())) == invalidEntry
	})

	// The link itself stays up.
	if s, _ := sd0.PortStatus(1); s.State != fabric.StateActive {
		t.Errorf("unused port state: got %s, want Active", s.State)
	}
	if fw0.LinkState(1) != mbox.LinkStateActive {
		t.Errorf("firmware link state: got %s, want Active", fw0.LinkState(1))
	}
}

func TestDetachDeviceReroutes(t *testing.T) {
	devices := singleSubdevDevices(2)

	f, sim := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
		Cables: []simfw.Cable{
			{A: simfw.Endpoint{Device: 0, Port: 1}, B: simfw.Endpoint{Device: 1, Port: 1}},
		},
	}, devices, testOptions())

	sd0 := f.Device(0).Subdevice(0)
	sd1 := f.Device(1).Subdevice(0)

	waitPortState(t, sd0, 1, fabric.StateActive)
	waitPortState(t, sd1, 1, fabric.StateActive)
	waitSettled(t, f)

	detachedFids := int(sd1.FidBase())

	if err := f.DetachDevice(1); err != nil {
		t.Fatal(err)
	}

	if f.Device(1) != nil {
		t.Error("detached device still resolvable")
	}
	if err := f.DetachDevice(1); err == nil {
		t.Error("second detach did not fail")
	}

	// The survivor loses its route toward the departed device.
	fw0 := sim.Firmware(0, 0)
	waitFor(t, "route removal", func() bool {
		return fw0.RpipeEntry(detachedFids) == invalidEntry && !sd0.PortIsRouted(1)
	})
}

func TestProgrammingFailureExcludesSubdevice(t *testing.T) {
	devices := singleSubdevDevices(2)

	sim, err := simfw.New(simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
		Cables: []simfw.Cable{
			{A: simfw.Endpoint{Device: 0, Port: 1}, B: simfw.Endpoint{Device: 1, Port: 1}},
		},
	})
	if err != nil {
		t.Fatalf("simulated fabric: %s", err)
	}

	// Device 1 refuses every table write from the start.
	sim.Firmware(1, 0).FailRpipeSets(true)

	config := &fabric.ConfigFile{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     devices,
	}

	f, err := fabric.New(config, testOptions())
	if err != nil {
		t.Fatalf("manager: %s", err)
	}
	t.Cleanup(f.Close)

	for _, d := range devices {
		var windows []fabric.SubdeviceWindow
		for sd := 0; sd < d.Subdevices; sd++ {
			fw := sim.Firmware(d.Index, sd)
			windows = append(windows, fabric.SubdeviceWindow{Window: fw, Events: fw.Events()})
		}

		if _, err := f.AttachDevice(d.Index, windows); err != nil {
			t.Fatalf("attach device %d: %s", d.Index, err)
		}
	}

	sd0 := f.Device(0).Subdevice(0)
	sd1 := f.Device(1).Subdevice(0)

	waitPortState(t, sd0, 1, fabric.StateActive)
	waitPortState(t, sd1, 1, fabric.StateActive)
	waitSettled(t, f)

	// The survivor drops its route toward the failed subdevice.
	waitFor(t, "failed subdevice unrouted", func() bool {
		return sd0.ForwardingEntry(int(sd1.FidBase())) == invalidEntry && !sd0.PortIsRouted(1)
	})

	// The failed subdevice is excluded, not retried forever.
	start, _ := f.RoutingGeneration()
	time.Sleep(100 * time.Millisecond)
	if s, _ := f.RoutingGeneration(); s != start {
		t.Errorf("sweeps still running against the failed subdevice: %d then %d", start, s)
	}

	// The healthy subdevice still programs its own tables.
	fw0 := sim.Firmware(0, 0)
	if e := fw0.RpipeEntry(int(sd0.FidBase())); e != 1+testFabricPorts {
		t.Errorf("healthy subdevice local entry: got %d, want %d", e, 1+testFabricPorts)
	}
}

func TestDegradedLinkQuality(t *testing.T) {
	devices := singleSubdevDevices(2)

	f, sim := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
		Cables: []simfw.Cable{
			{A: simfw.Endpoint{Device: 0, Port: 1}, B: simfw.Endpoint{Device: 1, Port: 1}},
		},
	}, devices, testOptions())

	sd0 := f.Device(0).Subdevice(0)
	waitPortState(t, sd0, 1, fabric.StateActive)
	waitSettled(t, f)

	sim.Firmware(0, 0).SetLinkQuality(1, 2)

	waitFor(t, "degraded health", func() bool {
		status, _ := sd0.PortStatus(1)
		return status.Health == fabric.HealthDegraded && status.Issues&fabric.IssueLinkQuality != 0
	})
}

func TestBeaconControl(t *testing.T) {
	devices := singleSubdevDevices(1)

	f, sim := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
	}, devices, testOptions())

	sd := f.Device(0).Subdevice(0)
	fw := sim.Firmware(0, 0)

	if err := sd.PortBeaconEnable(2, true); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "beacon on", func() bool { return fw.Beaconing(2) })

	if err := sd.PortBeaconEnable(2, false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "beacon off", func() bool { return !fw.Beaconing(2) })
}

func TestStatusSnapshotImmutable(t *testing.T) {
	devices := singleSubdevDevices(2)

	f, _ := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
		Cables: []simfw.Cable{
			{A: simfw.Endpoint{Device: 0, Port: 1}, B: simfw.Endpoint{Device: 1, Port: 1}},
		},
	}, devices, testOptions())

	sd0 := f.Device(0).Subdevice(0)
	waitPortState(t, sd0, 1, fabric.StateActive)

	snapshot, err := sd0.PortStatus(1)
	if err != nil {
		t.Fatal(err)
	}

	if err := sd0.PortEnable(1, false); err != nil {
		t.Fatal(err)
	}
	waitPortState(t, sd0, 1, fabric.StateDisabled)

	// The copy handed out earlier still describes the port as it was.
	if snapshot.State != fabric.StateActive {
		t.Errorf("snapshot mutated: state now %s", snapshot.State)
	}
}

func TestPersistedControls(t *testing.T) {
	devices := singleSubdevDevices(1)

	simConfig := simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
	}

	opts := testOptions()
	opts.StorePath = t.TempDir()

	{
		f, _ := newTestFabric(t, simConfig, devices, opts)
		sd := f.Device(0).Subdevice(0)

		if err := sd.PortEnable(3, false); err != nil {
			t.Fatal(err)
		}
		waitPortState(t, sd, 3, fabric.StateDisabled)

		f.Close()
	}

	// A new manager over the same store starts the port disabled.
	f, _ := newTestFabric(t, simConfig, devices, opts)
	if err := f.ReplayControls(); err != nil {
		t.Fatal(err)
	}

	sd := f.Device(0).Subdevice(0)
	waitPortState(t, sd, 3, fabric.StateDisabled)

	// Other ports keep their defaults.
	waitFor(t, "default port enabled", func() bool {
		status, _ := sd.PortStatus(1)
		return status.State != fabric.StateDisabled
	})
}

func TestMailboxCountersAdvance(t *testing.T) {
	devices := singleSubdevDevices(1)

	f, _ := newTestFabric(t, simfw.Config{
		FabricPorts: testFabricPorts,
		BridgePorts: testBridgePorts,
		Devices:     simDevices(devices),
	}, devices, testOptions())

	waitSettled(t, f)

	c := f.Device(0).Subdevice(0).MailboxCounters()
	if c.NonPostedRequests == 0 || c.NonErrorResponses == 0 {
		t.Errorf("counters did not advance: %+v", c)
	}
	if c.TimedOutRequests != 0 {
		t.Errorf("unexpected timeouts against simulated firmware: %+v", c)
	}
}
