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
	"testing"
	"time"

	"github.com/NearNodeFlash/nnf-fm/pkg/mbox"
)

func testSim(t *testing.T, cables []Cable) *Sim {
	t.Helper()

	sim, err := New(Config{
		FabricPorts: 4,
		BridgePorts: 2,
		Devices: []DeviceConfig{
			{Index: 0, Subdevices: 1},
			{Index: 1, Subdevices: 1},
		},
		Cables: cables,
	})
	if err != nil {
		t.Fatal(err)
	}

	return sim
}

func testMailbox(t *testing.T, fw *Firmware) *mbox.Mailbox {
	t.Helper()

	m := mbox.New(fw, mbox.Config{
		Name:             "test",
		Events:           fw.Events(),
		RPCTimeout:       time.Second,
		FastPollInterval: time.Millisecond,
		SlowPollInterval: 10 * time.Millisecond,
	})
	t.Cleanup(m.Stop)

	if _, err := m.FwVersion(); err != nil {
		t.Fatal(err)
	}
	if err := m.FwStart(); err != nil {
		t.Fatal(err)
	}

	return m
}

func TestConfigRejectsBadCable(t *testing.T) {
	_, err := New(Config{
		FabricPorts: 4,
		BridgePorts: 2,
		Devices:     []DeviceConfig{{Index: 0, Subdevices: 1}},
		Cables: []Cable{
			{A: Endpoint{Device: 0, Port: 1}, B: Endpoint{Device: 0, Port: 7}},
		},
	})
	if err == nil {
		t.Fatal("cable to a port beyond the fabric range accepted")
	}

	_, err = New(Config{
		FabricPorts: 4,
		BridgePorts: 2,
		Devices:     []DeviceConfig{{Index: 0, Subdevices: 1}},
		Cables: []Cable{
			{A: Endpoint{Device: 0, Port: 1}, B: Endpoint{Device: 3, Port: 1}},
		},
	})
	if err == nil {
		t.Fatal("cable to an absent device accepted")
	}
}

func TestCapabilityBitmapCoversHandlers(t *testing.T) {
	caps := capabilityBitmap()

	for _, op := range []mbox.OpCode{
		mbox.OpFwVersion, mbox.OpRpipeSet, mbox.OpCsrRawWrite, mbox.OpPortInfoGet,
	} {
		if caps[op/64]&(1<<(op%64)) == 0 {
			t.Errorf("capability bitmap missing %s", op)
		}
	}
}

func TestLinkTrainsWhenBothEndsPoll(t *testing.T) {
	sim := testSim(t, []Cable{
		{A: Endpoint{Device: 0, Port: 1}, B: Endpoint{Device: 1, Port: 2}},
	})

	fw0 := sim.Firmware(0, 0)
	fw1 := sim.Firmware(1, 0)

	m0 := testMailbox(t, fw0)
	m1 := testMailbox(t, fw1)

	if err := m0.PortPhysStateSet(1, mbox.PhysStatePolling); err != nil {
		t.Fatal(err)
	}

	// One polling end alone does not train.
	if fw0.LinkState(1) != mbox.LinkStateDown {
		t.Fatalf("link trained against a silent peer: %s", fw0.LinkState(1))
	}

	if err := m1.PortPhysStateSet(2, mbox.PhysStatePolling); err != nil {
		t.Fatal(err)
	}

	if fw0.LinkState(1) != mbox.LinkStateInit || fw1.LinkState(2) != mbox.LinkStateInit {
		t.Fatalf("links did not train: %s / %s", fw0.LinkState(1), fw1.LinkState(2))
	}

	// The trained port reports its neighbor.
	infos, err := m0.PortInfoGet(1 << 1)
	if err != nil {
		t.Fatal(err)
	}

	info := infos[1]
	if info.NeighborGUID != fw1.GUID() || info.NeighborPortNumber != 2 {
		t.Errorf("neighbor: got %#x port %d", info.NeighborGUID, info.NeighborPortNumber)
	}
}

func TestDisableDropsBothEnds(t *testing.T) {
	sim := testSim(t, []Cable{
		{A: Endpoint{Device: 0, Port: 1}, B: Endpoint{Device: 1, Port: 1}},
	})

	fw0 := sim.Firmware(0, 0)
	fw1 := sim.Firmware(1, 0)

	m0 := testMailbox(t, fw0)
	m1 := testMailbox(t, fw1)

	if err := m0.PortPhysStateSet(1, mbox.PhysStatePolling); err != nil {
		t.Fatal(err)
	}
	if err := m1.PortPhysStateSet(1, mbox.PhysStatePolling); err != nil {
		t.Fatal(err)
	}

	if err := m0.PortPhysStateSet(1, mbox.PhysStateDisabled); err != nil {
		t.Fatal(err)
	}

	if fw0.LinkState(1) != mbox.LinkStateDown || fw1.LinkState(1) != mbox.LinkStateDown {
		t.Errorf("disable left a link up: %s / %s", fw0.LinkState(1), fw1.LinkState(1))
	}
}

func TestRpipeRoundTrip(t *testing.T) {
	sim := testSim(t, nil)

	fw := sim.Firmware(0, 0)
	m := testMailbox(t, fw)

	entries := make([]uint8, 64)
	for i := range entries {
		entries[i] = 0x7F
	}
	entries[0] = 3

	if err := m.RpipeSet(832, entries); err != nil {
		t.Fatal(err)
	}

	if e := fw.RpipeEntry(832); e != 3 {
		t.Errorf("entry 832: got %d, want 3", e)
	}

	back, err := m.RpipeGet(832, 64)
	if err != nil {
		t.Fatal(err)
	}
	if back[0] != 3 || back[1] != 0x7F {
		t.Errorf("readback: got %d %d", back[0], back[1])
	}
}
