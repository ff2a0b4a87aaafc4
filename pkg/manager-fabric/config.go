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
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const defaultConfig = `
version: v1
metadata:
  name: Tile Fabric Configuration
fabricPorts: 8
bridgePorts: 4
devices:
  - index: 0
    subdevices: 2
    pkgOffsetGB: 0
    pkgSizeGB: 16
options:
  polling: false
  allowDirectLoopback: false
  isolateLoopPairs: true
  rpcTimeout: 10s
`

type ConfigFile struct {
	Version  string
	Metadata struct {
		Name string
	}

	// FabricPorts and BridgePorts are per subdevice. Logical port 0 is
	// the management port, fabric ports follow, bridge ports last.
	FabricPorts int `yaml:"fabricPorts"`
	BridgePorts int `yaml:"bridgePorts"`

	Devices []DeviceConfig

	Options OptionsConfig
}

type DeviceConfig struct {
	Index      uint32
	Subdevices int

	// Package placement in the device address map, in GB.
	PkgOffsetGB int `yaml:"pkgOffsetGB"`
	PkgSizeGB   int `yaml:"pkgSizeGB"`
}

type OptionsConfig struct {
	Polling             bool
	AllowDirectLoopback bool   `yaml:"allowDirectLoopback"`
	IsolateLoopPairs    bool   `yaml:"isolateLoopPairs"`
	RpcTimeout          string `yaml:"rpcTimeout"`
}

// Options are the construction-time knobs of the manager.
type Options struct {
	// Polling forces the mailboxes to poll for doorbell events even
	// when an interrupt source is available.
	Polling bool

	// AllowDirectLoopback accepts a port cabled to itself as a valid
	// neighbor.
	AllowDirectLoopback bool

	// IsolateLoopPairs isolates ports cabled to another port of the
	// same device.
	IsolateLoopPairs bool

	// RPCTimeout bounds every mailbox exchange.
	RPCTimeout time.Duration

	// Mailbox polling cadence overrides; zero selects the defaults.
	FastPollInterval time.Duration
	SlowPollInterval time.Duration

	// StorePath locates the database persisting port controls; empty
	// disables persistence. StoreInMemory substitutes a throwaway
	// in-memory database.
	StorePath     string
	StoreInMemory bool

	// Quiescer drains fabric traffic around table updates.
	Quiescer Quiescer
}

// Quiescer is the external collaborator that pauses fabric traffic
// while forwarding tables change.
type Quiescer interface {
	Quiesce() error
	Resume()
}

// DefaultConfig returns the embedded configuration.
func DefaultConfig() (*ConfigFile, error) {
	return parseConfig([]byte(defaultConfig))
}

// LoadConfig reads a configuration file.
func LoadConfig(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return parseConfig(data)
}

func parseConfig(data []byte) (*ConfigFile, error) {
	config := new(ConfigFile)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.FabricPorts <= 0 || config.FabricPorts > 8 {
		return nil, fmt.Errorf("fabric port count %d out of range", config.FabricPorts)
	}
	if config.BridgePorts <= 0 || config.BridgePorts > 4 {
		return nil, fmt.Errorf("bridge port count %d out of range", config.BridgePorts)
	}

	for i := range config.Devices {
		d := &config.Devices[i]
		if d.Subdevices <= 0 || d.Subdevices > maxSubdevsPerDevice {
			return nil, fmt.Errorf("device %d subdevice count %d out of range", d.Index, d.Subdevices)
		}
		if d.PkgSizeGB <= 0 || d.PkgSizeGB%(minDpaPerSdGB*d.Subdevices) != 0 {
			return nil, fmt.Errorf("device %d package size %dGB not a multiple of the DPA block size", d.Index, d.PkgSizeGB)
		}
		if d.PkgOffsetGB%minDpaPerSdGB != 0 {
			return nil, fmt.Errorf("device %d package offset %dGB not aligned to the DPA block size", d.Index, d.PkgOffsetGB)
		}
	}

	return config, nil
}

// Options resolves the option block of a configuration file.
func (c *ConfigFile) ResolveOptions() (Options, error) {
	opts := Options{
		Polling:             c.Options.Polling,
		AllowDirectLoopback: c.Options.AllowDirectLoopback,
		IsolateLoopPairs:    c.Options.IsolateLoopPairs,
	}

	if c.Options.RpcTimeout != "" {
		timeout, err := time.ParseDuration(c.Options.RpcTimeout)
		if err != nil {
			return opts, fmt.Errorf("rpcTimeout: %w", err)
		}
		opts.RPCTimeout = timeout
	}

	return opts, nil
}

func (c *ConfigFile) device(index uint32) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].Index == index {
			return &c.Devices[i]
		}
	}

	return nil
}
