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

// sweeper serializes routing sweeps on one worker goroutine. Requests
// arriving while a sweep runs coalesce into a single follow-up sweep.
type sweeper struct {
	fabric *Fabric

	requests chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newSweeper(f *Fabric) *sweeper {
	s := &sweeper{
		fabric:   f,
		requests: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go s.run()

	return s
}

func (s *sweeper) stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *sweeper) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.requests:
			s.fabric.sweep()
		}
	}
}

// RequestSweep schedules a routing sweep. Never blocks; a sweep already
// pending absorbs the request.
func (f *Fabric) RequestSweep() {
	select {
	case f.sweeper.requests <- struct{}{}:
	default:
	}
}
