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

// The logic phase of a routing sweep. Runs under the exclusive side of
// the routable lock: port states and neighbor records are frozen while
// planes, costs and the staged tables are derived from them.

// portRoutable reports whether a port carries fabric traffic: link up,
// usage enabled, and the neighbor confirming the pairing from its side.
func portRoutable(p *Port) bool {
	if p.sd.routing.err != nil {
		return false
	}

	if p.state != StateActive || !p.control(ControlRoutable) {
		return false
	}

	n := p.neighbor
	if n == nil || n.neighbor != p || n.sd.routing.err != nil {
		return false
	}

	return n.state == StateActive && n.control(ControlRoutable)
}

// routingLogicRun rebuilds planes and stages every subdevice's tables.
func (f *Fabric) routingLogicRun() error {
	sds := f.allSubdevices()

	// Port states are frozen here; stage the routed verdicts now so
	// publishing them later needs no port reads.
	for _, sd := range sds {
		for _, p := range sd.fabricPorts() {
			p.routedNext = portRoutable(p)
		}
	}

	f.buildPlanes(sds)

	for _, pl := range f.planes {
		pl.computeCosts()
	}

	for _, sd := range sds {
		if sd.routing.err != nil {
			continue
		}

		f.buildSubdeviceTables(sd)
	}

	return nil
}

// buildPlanes partitions the subdevices into connected components over
// the routable links. An uncabled subdevice forms its own plane;
// subdevices in error are left out entirely.
func (f *Fabric) buildPlanes(sds []*Subdevice) {
	f.planes = nil

	seen := make(map[*Subdevice]bool, len(sds))

	for _, sd := range sds {
		if seen[sd] || sd.routing.err != nil {
			continue
		}

		pl := &plane{index: len(f.planes)}

		queue := []*Subdevice{sd}
		seen[sd] = true

		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]

			cur.routing.plane = pl
			cur.routing.planeIndex = len(pl.sds)
			pl.sds = append(pl.sds, cur)

			for _, p := range cur.fabricPorts() {
				if !portRoutable(p) {
					continue
				}

				peer := p.neighbor.sd
				if !seen[peer] {
					seen[peer] = true
					queue = append(queue, peer)
				}
			}
		}

		f.planes = append(f.planes, pl)
	}
}

// computeCosts fills the plane's hop count matrix. Links are symmetric
// so the matrix is too.
func (pl *plane) computeCosts() {
	n := len(pl.sds)

	pl.cost = make([][]uint16, n)
	for i := range pl.cost {
		pl.cost[i] = make([]uint16, n)
		for j := range pl.cost[i] {
			pl.cost[i][j] = costInfinite
		}
		pl.cost[i][i] = 0
	}

	for i, sd := range pl.sds {
		for _, p := range sd.fabricPorts() {
			if !portRoutable(p) {
				continue
			}

			j := p.neighbor.sd.routing.planeIndex
			pl.cost[i][j] = 1
			pl.cost[j][i] = 1
		}
	}

	for k := 0; k < n; k++ {
		for i := 0; i < n; i++ {
			if pl.cost[i][k] == costInfinite {
				continue
			}
			for j := 0; j < n; j++ {
				if pl.cost[k][j] == costInfinite {
					continue
				}
				if via := pl.cost[i][k] + pl.cost[k][j]; via < pl.cost[i][j] {
					pl.cost[i][j] = via
					pl.cost[j][i] = via
				}
			}
		}
	}
}

// Cost returns the hop count between two subdevices, costInfinite when
// they share no plane.
func (pl *plane) Cost(a, b *Subdevice) uint16 {
	if a.routing.plane != pl || b.routing.plane != pl {
		return costInfinite
	}

	return pl.cost[a.routing.planeIndex][b.routing.planeIndex]
}

// buildSubdeviceTables stages the forwarding table and DPA LUT of one
// subdevice against the current plane.
func (f *Fabric) buildSubdeviceTables(sd *Subdevice) {
	r := &sd.routing
	pl := r.plane

	ut := make(uft)

	// Local block: even offsets enter through the bridge port selected
	// by the mdfi channel bits. Odd offsets stay invalid everywhere.
	for o := 0; o < fidBlockSize; o += 2 {
		mdfi := (o >> 1) & 3
		if mdfi >= f.config.BridgePorts {
			continue
		}

		ut.set(int(r.fidBase)+o, uint8(1+f.config.FabricPorts+mdfi))
	}

	// Management traffic terminates on the management port.
	ut.set(int(r.fidMgmt), 0)

	// Remote blocks: direct neighbors only. Traffic never routes
	// through an intermediate subdevice, so destinations further than
	// one hop keep their FIDs invalid here.
	for _, dst := range pl.sds {
		if pl.Cost(sd, dst) != 1 {
			continue
		}

		egress := sd.egressPorts(dst)
		if len(egress) == 0 {
			continue
		}

		rr := 0
		for o := 0; o < fidBlockSize; o += 2 {
			ut.set(int(dst.routing.fidBase)+o, egress[rr%len(egress)].lpn)
			rr++
		}

		ut.set(int(dst.routing.fidMgmt), egress[0].lpn)
	}

	r.uftNext = ut
	r.fidgenNext = f.buildDpaLut(sd)
}

// egressPorts lists the routable ports cabled directly to dst.
func (sd *Subdevice) egressPorts(dst *Subdevice) []*Port {
	var egress []*Port
	for _, p := range sd.fabricPorts() {
		if !portRoutable(p) {
			continue
		}

		if p.neighbor.sd == dst {
			egress = append(egress, p)
		}
	}

	return egress
}

// buildDpaLut maps every reachable subdevice's address range to the
// destination FID its traffic should carry. Same-device ranges stay
// zero: those accesses never enter the fabric.
func (f *Fabric) buildDpaLut(sd *Subdevice) []uint16 {
	lut := make([]uint16, dpaLutSize)

	for _, target := range f.allSubdevices() {
		if target.dev == sd.dev {
			continue
		}

		dfid := sd.dpaTarget(target)
		if dfid == 0 {
			continue
		}

		tr := &target.routing
		for i := 0; i < tr.dpaIdxRange; i++ {
			idx := tr.dpaIdxBase + i
			if idx < len(lut) {
				lut[idx] = dfid
			}
		}
	}

	return lut
}

// dpaTarget selects the FID used to reach target's memory: direct when
// adjacent, otherwise through the target's package peer when that peer
// is adjacent. One level of indirection at most; anything further is
// unreachable and stays unmapped.
func (sd *Subdevice) dpaTarget(target *Subdevice) uint16 {
	pl := sd.routing.plane

	if pl.Cost(sd, target) == 1 {
		return target.routing.fidBase
	}

	for _, peer := range target.dev.subdevs {
		if peer != target && pl.Cost(sd, peer) == 1 {
			return peer.routing.fidBase
		}
	}

	return 0
}
