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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cacmd "github.com/tombee/tokentap/internal/commands/ca"
	securitycmd "github.com/tombee/tokentap/internal/commands/security"
	"github.com/tombee/tokentap/internal/commands/shared"
	"github.com/tombee/tokentap/internal/commands/start"
	statuscmd "github.com/tombee/tokentap/internal/commands/status"
	tokencmd "github.com/tombee/tokentap/internal/commands/token"
	versioncmd "github.com/tombee/tokentap/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	shared.SetVersion(version, commit, buildDate)

	var (
		jsonOutput bool
		configPath string
	)

	rootCmd := &cobra.Command{
		Use:   "tokentap",
		Short: "Observe LLM API traffic on your own machine",
		Long: `tokentap runs a TLS-terminating proxy that records token usage and
request metadata from LLM API traffic, and a local dashboard to browse it.

Point your client's HTTPS_PROXY at the proxy port and trust the local CA
(see "tokentap ca export").`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			shared.SetJSON(jsonOutput)
			shared.SetConfigPath(configPath)
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(start.NewStartCommand())
	rootCmd.AddCommand(statuscmd.NewStatusCommand())
	rootCmd.AddCommand(cacmd.NewCACommand())
	rootCmd.AddCommand(tokencmd.NewTokenCommand())
	rootCmd.AddCommand(securitycmd.NewSecurityCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
