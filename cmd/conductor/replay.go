// Copyright 2025 Kadir Pekel
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
	"encoding/json"
	"fmt"
	"os"

	"github.com/kadirpekel/conductor/pkg/checkpoint"
)

// ReplayCmd reconstructs and prints the chronological event sequence
// implied by a saved checkpoint file. Checkpoints aren't persisted by
// Manager itself, so this reads the snapshot JSON directly rather than
// going through a Manager instance.
type ReplayCmd struct {
	Checkpoint string `arg:"" name:"checkpoint" help:"Checkpoint JSON file path." placeholder:"PATH"`
}

func (c *ReplayCmd) Run(cli *CLI) error {
	raw, err := os.ReadFile(c.Checkpoint)
	if err != nil {
		return fmt.Errorf("reading checkpoint %q: %w", c.Checkpoint, err)
	}

	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("parsing checkpoint %q: %w", c.Checkpoint, err)
	}

	for _, ev := range checkpoint.Replay(cp.Snapshot) {
		switch ev.Type {
		case checkpoint.EventDispatch:
			fmt.Printf("[%3d] DISPATCH %s\n", ev.Index, ev.TaskID)
		case checkpoint.EventComplete:
			fmt.Printf("[%3d] COMPLETE %s\n", ev.Index, ev.TaskID)
		case checkpoint.EventFail:
			fmt.Printf("[%3d] FAIL     %s\n", ev.Index, ev.TaskID)
		case checkpoint.EventSpawn:
			fmt.Printf("[%3d] SPAWN    %s <- %s\n", ev.Index, ev.TaskID, ev.ParentID)
		case checkpoint.EventMessage:
			fmt.Printf("[%3d] MESSAGE  %s -> %s\n", ev.Index, ev.Message.Sender, ev.Message.Topic)
		case checkpoint.EventOutcome:
			fmt.Printf("[%3d] OUTCOME  success=%v duration=%dms\n", ev.Index, ev.Outcome.Success, ev.Outcome.DurationMs)
		}
	}
	return nil
}
