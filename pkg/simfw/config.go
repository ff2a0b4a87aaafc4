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
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config describes a simulated fabric: the port geometry shared by all
// subdevices, the devices, and the cabling between fabric ports.
type Config struct {
	FabricPorts int `yaml:"fabricPorts"`
	BridgePorts int `yaml:"bridgePorts"`

	Devices []DeviceConfig `yaml:"devices"`
	Cables  []Cable        `yaml:"cables"`
}

// DeviceConfig is one simulated device.
type DeviceConfig struct {
	Index      uint32 `yaml:"index"`
	Subdevices int    `yaml:"subdevices"`
}

// Cable joins two fabric port endpoints. A cable whose ends are equal
// loops a port back to itself.
type Cable struct {
	A Endpoint `yaml:"a"`
	B Endpoint `yaml:"b"`
}

// LoadConfig reads a simulated topology file.
func LoadConfig(path string) (Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.FabricPorts <= 0 || c.BridgePorts <= 0 {
		return fmt.Errorf("simfw: port geometry not set")
	}

	subdevs := func(index uint32) int {
		for _, d := range c.Devices {
			if d.Index == index {
				return d.Subdevices
			}
		}
		return 0
	}

	for _, cable := range c.Cables {
		for _, ep := range []Endpoint{cable.A, cable.B} {
			if ep.Subdev >= subdevs(ep.Device) {
				return fmt.Errorf("simfw: cable endpoint %+v names an absent subdevice", ep)
			}
			if ep.Port == 0 || int(ep.Port) > c.FabricPorts {
				return fmt.Errorf("simfw: cable endpoint %+v is not a fabric port", ep)
			}
		}
	}

	return nil
}
