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

package ca

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/tokentap/internal/commands/shared"
	"github.com/tombee/tokentap/internal/config"
	"github.com/tombee/tokentap/internal/proxy"
)

// NewCACommand creates the ca command group.
func NewCACommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage the local certificate authority",
	}
	cmd.AddCommand(newExportCommand())
	return cmd
}

func newExportCommand() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print or write the CA certificate clients must trust",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(shared.GetConfigPath())
			if err != nil {
				return err
			}
			authority, err := proxy.LoadOrCreateCA(cfg.StateDir)
			if err != nil {
				return fmt.Errorf("load ca: %w", err)
			}

			if outPath == "" {
				cmd.Print(string(authority.CertPEM()))
				return nil
			}
			if err := os.WriteFile(outPath, authority.CertPEM(), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			cmd.Println(shared.RenderOK("CA certificate written to " + outPath))
			cmd.Println(shared.RenderLabel("add it to your client's trust store to intercept TLS traffic"))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the PEM to a file instead of stdout")
	return cmd
}
