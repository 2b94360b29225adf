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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowcraft/engine/internal/store"
)

// inspectView is the JSON shape flowenginectl inspect prints — a
// projection of store.Workflow plus its computed Status(), since Status
// has no column of its own (store.Workflow.Status is derived).
type inspectView struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     store.Status      `json:"status"`
	CreatedAt  string            `json:"created_at"`
	RayID      string            `json:"ray_id,omitempty"`
	Input      any               `json:"input,omitempty"`
	Output     any               `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	LeaseOwner string            `json:"lease_owner,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// NewInspectCommand builds "flowenginectl inspect <workflow-id>".
func NewInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <workflow-id>",
		Short: "Print a workflow's current record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			wf, err := db.GetWorkflow(context.Background(), id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("workflow %s not found", id)
				}
				return fmt.Errorf("inspect failed: %w", err)
			}

			view := inspectView{
				ID:         wf.ID,
				Name:       wf.Name,
				Status:     wf.Status(),
				CreatedAt:  wf.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
				RayID:      wf.RayID,
				Error:      wf.Error,
				LeaseOwner: wf.LeaseOwner,
				Tags:       wf.Tags,
			}
			if len(wf.Input) > 0 {
				view.Input = rawJSON(wf.Input)
			}
			if len(wf.Output) > 0 {
				view.Output = rawJSON(wf.Output)
			}

			return printJSON(view)
		},
	}

	return cmd
}

// rawJSON wraps already-valid JSON bytes so encoding/json re-emits them
// verbatim rather than escaping them as a string.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }
