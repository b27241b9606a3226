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

package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/tokentap/internal/commands/shared"
	"github.com/tombee/tokentap/internal/config"
)

type statusResponse struct {
	Status          string         `json:"status"`
	Version         string         `json:"version"`
	RegistryVersion string         `json:"registry_version"`
	CaptureMode     string         `json:"capture_mode"`
	NetworkMode     string         `json:"network_mode"`
	Debug           bool           `json:"debug"`
	Store           string         `json:"store"`
	Counters        map[string]any `json:"counters"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(shared.GetConfigPath())
				if err != nil {
					return err
				}
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.Dashboard.Port)
			}

			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get("http://" + addr + "/api/status")
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderError("tokentap is not running at "+addr))
				return err
			}
			defer resp.Body.Close()

			var st statusResponse
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			if shared.GetJSON() {
				data, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}

			cmd.Println(shared.RenderOK("tokentap " + st.Version + " running"))
			cmd.Printf("  %s %s\n", shared.RenderLabel("store:"), st.Store)
			cmd.Printf("  %s %s (config %s)\n", shared.RenderLabel("capture mode:"), st.CaptureMode, st.RegistryVersion)
			cmd.Printf("  %s %s\n", shared.RenderLabel("network mode:"), st.NetworkMode)
			if st.Debug {
				cmd.Println(shared.RenderWarn("debug mode is ON, payloads are captured in full"))
			}
			if st.NetworkMode == "network" {
				cmd.Println(shared.RenderWarn("listening on all interfaces"))
			}
			if st.Counters != nil {
				cmd.Printf("  %s %v recorded, %v dropped, %v passthrough\n",
					shared.RenderLabel("events:"),
					st.Counters["events_recorded"],
					st.Counters["sink_dropped"],
					st.Counters["flows_passthrough"])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "dashboard address (default 127.0.0.1:<dashboard port>)")
	return cmd
}
