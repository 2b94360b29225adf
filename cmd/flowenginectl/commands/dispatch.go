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

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowcraft/engine/internal/metrics"
	"github.com/flowcraft/engine/internal/store"
)

// NewDispatchCommand builds "flowenginectl dispatch <workflow> --input file.json".
func NewDispatchCommand() *cobra.Command {
	var (
		inputFile string
		unique    bool
		tags      map[string]string
	)

	cmd := &cobra.Command{
		Use:   "dispatch <workflow>",
		Short: "Dispatch a new workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			input, err := readJSONFile(inputFile)
			if err != nil {
				return err
			}

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := db.DispatchWorkflow(context.Background(), "", "", name, input, store.DispatchOptions{
				Tags:   tags,
				Unique: unique,
			})
			if err != nil {
				return fmt.Errorf("dispatch failed: %w", err)
			}
			metrics.RecordDispatch(name)

			return printJSON(map[string]string{"workflow_id": id})
		},
	}

	cmd.Flags().StringVar(&inputFile, "input", "", "JSON file with workflow input (\"-\" for stdin)")
	cmd.Flags().BoolVar(&unique, "unique", false, "Dedupe against an existing incomplete run with the same name and tags")
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "key=value tag, repeatable")

	return cmd
}
