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

// Command flowenginectl is the operator CLI (spec §6): thin wrappers
// directly over store.Store methods. There is no daemon RPC hop —
// flowenginectl opens the same store flowengined workers poll and talks
// to it directly, consistent with "no wire protocol is defined by the
// core itself".
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowcraft/engine/cmd/flowenginectl/commands"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "flowenginectl",
		Short:         "Operate a flowengine store: dispatch workflows, send signals, inspect state",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (default: XDG config dir)")

	rootCmd.AddCommand(commands.NewDispatchCommand())
	rootCmd.AddCommand(commands.NewSignalCommand())
	rootCmd.AddCommand(commands.NewInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
