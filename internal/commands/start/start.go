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

package start

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tombee/tokentap/internal/commands/shared"
	"github.com/tombee/tokentap/internal/config"
	"github.com/tombee/tokentap/internal/log"
	"github.com/tombee/tokentap/internal/service"
)

// NewStartCommand creates the start command.
func NewStartCommand() *cobra.Command {
	var (
		proxyPort     int
		dashboardPort int
		storeBackend  string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the interception proxy and dashboard",
		Long: `Start the TLS-terminating proxy and the dashboard API, and keep
running until interrupted. SIGHUP reloads the provider configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(shared.GetConfigPath())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("proxy-port") {
				cfg.Proxy.Port = proxyPort
			}
			if cmd.Flags().Changed("dashboard-port") {
				cfg.Dashboard.Port = dashboardPort
			}
			if storeBackend != "" {
				cfg.Store.Backend = storeBackend
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logCfg := log.FromEnv()
			if cfg.Log.Level != "" {
				logCfg.Level = cfg.Log.Level
			}
			if cfg.Log.Format != "" {
				logCfg.Format = log.Format(cfg.Log.Format)
			}
			logger := log.New(logCfg)
			slog.SetDefault(logger)

			version, _, _ := shared.GetVersion()
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf(
				"tokentap %s starting (proxy :%d, dashboard :%d)",
				version, cfg.Proxy.Port, cfg.Dashboard.Port)))

			return service.Run(context.Background(), cfg, service.Info{Version: version}, logger)
		},
	}

	cmd.Flags().IntVar(&proxyPort, "proxy-port", 8080, "proxy listen port")
	cmd.Flags().IntVar(&dashboardPort, "dashboard-port", 8081, "dashboard listen port")
	cmd.Flags().StringVar(&storeBackend, "store", "", "event store backend (sqlite or mongo)")
	return cmd
}
