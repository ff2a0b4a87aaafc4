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

// nnf-fm runs the fabric manager over a simulated fabric. It exists
// for development and demonstration; production deployments embed the
// fabric package and hand it real register windows.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"

	fabric "github.com/NearNodeFlash/nnf-fm/pkg/manager-fabric"
	"github.com/NearNodeFlash/nnf-fm/pkg/simfw"
)

var cli struct {
	Verbose bool `help:"Enable debug logging."`

	Run RunCmd `cmd:"" default:"1" help:"Run the fabric manager over a simulated fabric."`
}

type RunCmd struct {
	Config   string `help:"Fabric configuration file; the built-in default is used when omitted." type:"existingfile" optional:""`
	Topology string `help:"Simulated topology file." type:"existingfile" required:""`
	Store    string `help:"Directory persisting port controls; persistence is off when omitted." optional:""`
}

func (cmd *RunCmd) Run() error {
	config, err := loadFabricConfig(cmd.Config)
	if err != nil {
		return err
	}

	topology, err := simfw.LoadConfig(cmd.Topology)
	if err != nil {
		return fmt.Errorf("topology %s: %w", cmd.Topology, err)
	}

	sim, err := simfw.New(topology)
	if err != nil {
		return err
	}

	opts, err := config.ResolveOptions()
	if err != nil {
		return err
	}
	opts.StorePath = cmd.Store

	f, err := fabric.New(config, opts)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, d := range config.Devices {
		var windows []fabric.SubdeviceWindow
		for sd := 0; sd < d.Subdevices; sd++ {
			fw := sim.Firmware(d.Index, sd)
			if fw == nil {
				return fmt.Errorf("device %d subdevice %d missing from topology", d.Index, sd)
			}

			windows = append(windows, fabric.SubdeviceWindow{Window: fw, Events: fw.Events()})
		}

		if _, err := f.AttachDevice(d.Index, windows); err != nil {
			return err
		}
	}

	if err := f.ReplayControls(); err != nil {
		return err
	}

	log.Infof("fabric manager %s running; interrupt to stop, SIGUSR1 for status", f.ID())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for s := range sig {
		if s != syscall.SIGUSR1 {
			break
		}
		reportStatus(f, config)
	}

	return nil
}

func reportStatus(f *fabric.Fabric, config *fabric.ConfigFile) {
	start, end := f.RoutingGeneration()
	log.Infof("routing generation %d/%d", end, start)

	for _, d := range config.Devices {
		dev := f.Device(d.Index)
		if dev == nil {
			continue
		}

		for i := 0; i < d.Subdevices; i++ {
			sd := dev.Subdevice(i)

			for lpn := uint8(1); int(lpn) <= config.FabricPorts; lpn++ {
				s, err := sd.PortStatus(lpn)
				if err != nil {
					continue
				}

				log.Infof("%s port %d: %s %s routed=%t neighbor=%#x.%d",
					sd.Name(), lpn, s.State, s.Health, sd.PortIsRouted(lpn),
					s.NeighborGUID, s.NeighborPort)
			}

			c := sd.MailboxCounters()
			log.Infof("%s mbox: sent=%d posted=%d ok=%d errors=%d timeouts=%d",
				sd.Name(), c.NonPostedRequests, c.PostedRequests,
				c.NonErrorResponses, c.ErrorResponses, c.TimedOutRequests)
		}
	}
}

func loadFabricConfig(path string) (*fabric.ConfigFile, error) {
	if path == "" {
		return fabric.DefaultConfig()
	}

	config, err := fabric.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("configuration %s: %w", path, err)
	}

	return config, nil
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("nnf-fm"),
		kong.Description("Tile interconnect fabric manager."),
	)

	if cli.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx.FatalIfErrorf(ctx.Run())
}
