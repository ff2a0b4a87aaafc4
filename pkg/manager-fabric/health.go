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

// Health is the coarse per-port condition reported to operators.
type Health uint8

const (
	HealthOff Health = iota
	HealthFailed
	HealthDegraded
	HealthHealthy
)

func (h Health) String() string {
	switch h {
	case HealthOff:
		return "Off"
	case HealthFailed:
		return "Failed"
	case HealthDegraded:
		return "Degraded"
	case HealthHealthy:
		return "Healthy"
	}

	return "Unknown"
}

// Issue flags qualify a degraded port.
type Issue uint8

const (
	IssueLinkQuality Issue = 1 << iota
	IssueWidthDegrade
	IssueRateDegrade
)

// Reason explains a port that is not healthy.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonFailed
	ReasonIsolated
	ReasonLinkDown
	ReasonFlapping
	ReasonDidNotTrain
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonFailed:
		return "command failure"
	case ReasonIsolated:
		return "isolated"
	case ReasonLinkDown:
		return "link down"
	case ReasonFlapping:
		return "link flapping"
	case ReasonDidNotTrain:
		return "did not train"
	}

	return "unknown"
}

// PortStatus is an immutable snapshot of one port's condition. Readers
// receive a copy; a later pass never mutates an already published
// snapshot.
type PortStatus struct {
	State  PortState
	Health Health
	Issues Issue
	Reason Reason

	LinkDowns uint16

	NeighborGUID uint64
	NeighborPort uint8
}

// refreshHealth derives the health fields of the pending snapshot from
// the port's state and the last port info read.
func (p *Port) refreshHealth() {
	s := &p.nextStatus

	s.State = p.state
	s.LinkDowns = uint16(p.info.LinkDownCount)
	s.NeighborGUID = p.info.NeighborGUID
	s.NeighborPort = p.info.NeighborPortNumber

	switch p.state {
	case StateDisabled:
		s.Health = HealthOff
		s.Issues = 0
		s.Reason = ReasonNone

	case StateInError:
		s.Health = HealthFailed
		s.Issues = 0
		s.Reason = ReasonFailed

	case StateIsolated:
		s.Health = HealthFailed
		s.Issues = 0
		s.Reason = ReasonIsolated

	case StateActive:
		s.Health = HealthHealthy
		s.Reason = ReasonNone

		s.Issues = 0
		if p.info.LinkQualityIndicator < lqiHealthy {
			s.Issues |= IssueLinkQuality
		}
		if p.info.LinkWidthActive < p.info.LinkWidthEnabled ||
			p.info.LinkWidthDowngradeTxActive < p.info.LinkWidthEnabled ||
			p.info.LinkWidthDowngradeRxActive < p.info.LinkWidthEnabled {
			s.Issues |= IssueWidthDegrade
		}
		if p.info.LinkSpeedActive < p.info.LinkSpeedEnabled {
			s.Issues |= IssueRateDegrade
		}
		if s.Issues != 0 {
			s.Health = HealthDegraded
		}

	default:
		// Enabled, Recheck and Init are transitional; the link has not
		// come up yet.
		s.Health = HealthFailed
		s.Issues = 0
		s.Reason = ReasonLinkDown
		if p.state == StateInit {
			s.Reason = ReasonDidNotTrain
		}
		if p.flaps >= flapThreshold {
			s.Reason = ReasonFlapping
		}
	}
}

// lqiHealthy is the lowest link quality indicator considered clean.
const lqiHealthy = 4

// flapThreshold marks a port that keeps cycling through link up.
const flapThreshold = 3

func (p *Port) publishStatus() {
	s := p.nextStatus
	p.status.Store(&s)
}

// Status returns the last published snapshot.
func (p *Port) Status() PortStatus {
	if s := p.status.Load(); s != nil {
		return *s
	}

	return PortStatus{}
}
