// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package security

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/tokentap/internal/commands/shared"
	"github.com/tombee/tokentap/internal/config"
	secgate "github.com/tombee/tokentap/internal/security"
)

// NewSecurityCommand creates the security command group.
func NewSecurityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Inspect and change capture-safety settings",
	}
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newNetworkCommand())
	cmd.AddCommand(newDebugCommand())
	return cmd
}

func openGate() (*secgate.Gate, error) {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return nil, err
	}
	return secgate.Open(cfg.StateDir, nil)
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current security state",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := openGate()
			if err != nil {
				return err
			}
			cmd.Printf("%s %s\n", shared.RenderLabel("network mode:"), gate.NetworkMode())
			debug := "off"
			if gate.DebugOn() {
				debug = "on"
			}
			cmd.Printf("%s %s\n", shared.RenderLabel("debug mode:"), debug)
			if gate.NetworkMode() == secgate.NetworkOpen {
				cmd.Println(shared.RenderWarn("listeners bind to all interfaces"))
			}
			if gate.DebugOn() {
				cmd.Println(shared.RenderWarn("full message content is captured"))
			}
			return nil
		},
	}
}

func newNetworkCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "network [local|network]",
		Short:     "Set where listeners bind",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"local", "network"},
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := openGate()
			if err != nil {
				return err
			}
			mode := secgate.NetworkMode(args[0])
			if err := gate.SetNetworkMode(mode); err != nil {
				return err
			}
			cmd.Println(shared.RenderOK("network mode set to " + args[0]))
			if mode == secgate.NetworkOpen {
				cmd.Println(shared.RenderWarn("restart tokentap for listeners to rebind"))
			}
			return nil
		},
	}
}

func newDebugCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "debug [on|off]",
		Short:     "Toggle full-content capture",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := openGate()
			if err != nil {
				return err
			}
			switch args[0] {
			case "on", "off":
			default:
				return fmt.Errorf("debug mode must be on or off, got %q", args[0])
			}
			if err := gate.SetDebug(args[0] == "on"); err != nil {
				return err
			}
			cmd.Println(shared.RenderOK("debug mode set to " + args[0]))
			if args[0] == "on" {
				cmd.Println(shared.RenderWarn("events now include full request and response payloads"))
			}
			return nil
		},
	}
}
