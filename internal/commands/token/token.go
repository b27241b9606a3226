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

package token

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/tombee/tokentap/internal/commands/shared"
	"github.com/tombee/tokentap/internal/config"
	"github.com/tombee/tokentap/internal/security"
)

// NewTokenCommand creates the token command.
func NewTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the admin token for destructive dashboard operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(shared.GetConfigPath())
			if err != nil {
				return err
			}
			gate, err := security.Open(cfg.StateDir, nil)
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				data, err := json.Marshal(map[string]string{"admin_token": gate.AdminToken()})
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Println(gate.AdminToken())
			return nil
		},
	}
}
