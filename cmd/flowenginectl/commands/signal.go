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
	"time"

	"github.com/spf13/cobra"
)

// NewSignalCommand builds "flowenginectl signal <workflow-id> <name> --body file.json".
func NewSignalCommand() *cobra.Command {
	var bodyFile string

	cmd := &cobra.Command{
		Use:   "signal <workflow-id> <name>",
		Short: "Publish a signal to a running workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wfID, name := args[0], args[1]

			body, err := readJSONFile(bodyFile)
			if err != nil {
				return err
			}

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.PublishSignal(context.Background(), "", wfID, "", name, body, time.Now()); err != nil {
				return fmt.Errorf("signal failed: %w", err)
			}

			return printJSON(map[string]string{"workflow_id": wfID, "signal": name})
		},
	}

	cmd.Flags().StringVar(&bodyFile, "body", "", "JSON file with signal body (\"-\" for stdin)")

	return cmd
}
