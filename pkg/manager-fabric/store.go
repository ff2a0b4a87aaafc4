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
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-fm/pkg/kvstore"
)

// Persistence of administrative port controls. One ledger per
// subdevice under the "PC" prefix; each entry records the control word
// of one port, keyed by its logical port number, so the latest entry
// per port wins on replay.

const controlPrefix = "PC"

type controlRegistry struct {
	fabric *Fabric
}

func (*controlRegistry) Prefix() string { return controlPrefix }

func (r *controlRegistry) NewReplay(id string) kvstore.ReplayHandler {
	return &controlReplay{fabric: r.fabric, id: id}
}

type controlReplay struct {
	fabric *Fabric
	id     string
	sd     *Subdevice
}

func (r *controlReplay) Metadata(data []byte) error {
	for _, sd := range r.fabric.allSubdevices() {
		if sd.Name() == r.id {
			r.sd = sd
			break
		}
	}

	// A ledger for hardware no longer present replays into the void.
	if r.sd == nil {
		log.Warnf("port controls for absent subdevice %s ignored", r.id)
	}

	return nil
}

func (r *controlReplay) Entry(t uint32, data []byte) error {
	if r.sd == nil || len(data) != 4 {
		return nil
	}

	p := r.sd.fabricPort(uint8(t))
	if p == nil {
		return nil
	}

	p.controls.Store(binary.LittleEndian.Uint32(data))

	return nil
}

func (*controlReplay) Done() error { return nil }

// persistControls records one port's control word. Persistence being
// unavailable never blocks the control change itself.
func (f *Fabric) persistControls(p *Port) {
	if f.store == nil {
		return
	}

	key := controlPrefix + p.sd.Name()

	ledger, err := f.store.OpenKey(key, true)
	if err != nil {
		log.WithError(err).Warnf("port controls for %s not persisted", p.sd.Name())
		return
	}
	defer ledger.Close()

	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, p.controls.Load())

	if err := ledger.Log(uint32(p.lpn), data); err != nil {
		log.WithError(err).Warnf("port controls for %s port %d not persisted", p.sd.Name(), p.lpn)
	}
}
