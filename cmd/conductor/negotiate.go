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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/conductor/pkg/negotiation"
)

// NegotiateCmd runs a single consensus vote defined by a YAML proposal
// file (options, eligible voters, strategy, and the votes to cast) and
// prints the resulting resolution.
type NegotiateCmd struct {
	Proposal string `arg:"" name:"proposal" help:"Proposal definition file path." placeholder:"PATH"`
}

type voteSpec struct {
	VoterID string `yaml:"voterId"`
	Role    string `yaml:"role"`
	Choice  string `yaml:"choice"`
}

type proposalSpec struct {
	ID        string         `yaml:"id"`
	Options   []string       `yaml:"options"`
	Eligible  []string       `yaml:"eligible"`
	Quorum    int            `yaml:"quorum"`
	TimeoutMs int64          `yaml:"timeoutMs"`
	Strategy  string         `yaml:"strategy"`
	Weights   map[string]int `yaml:"weights"`
	Votes     []voteSpec     `yaml:"votes"`
}

func (c *NegotiateCmd) Run(cli *CLI) error {
	raw, err := os.ReadFile(c.Proposal)
	if err != nil {
		return fmt.Errorf("reading proposal %q: %w", c.Proposal, err)
	}
	var spec proposalSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("parsing proposal %q: %w", c.Proposal, err)
	}

	var eligible map[string]struct{}
	if len(spec.Eligible) > 0 {
		eligible = make(map[string]struct{}, len(spec.Eligible))
		for _, id := range spec.Eligible {
			eligible[id] = struct{}{}
		}
	}

	p := &negotiation.Proposal{
		ID:       spec.ID,
		Options:  spec.Options,
		Eligible: eligible,
		Quorum:   spec.Quorum,
		Timeout:  time.Duration(spec.TimeoutMs) * time.Millisecond,
		Strategy: negotiation.Strategy(spec.Strategy),
		Weights:  spec.Weights,
	}

	engine := negotiation.NewEngine(nil, "cli")
	engine.Open(p)

	var final *negotiation.Resolution
	for _, v := range spec.Votes {
		voteErr, res := engine.RecordVote(spec.ID, negotiation.Vote{VoterID: v.VoterID, Role: v.Role, Choice: v.Choice})
		if voteErr != negotiation.VoteErrNone {
			fmt.Printf("vote rejected: voter=%s reason=%s\n", v.VoterID, voteErr)
			continue
		}
		fmt.Printf("vote recorded: voter=%s choice=%s\n", v.VoterID, v.Choice)
		if res != nil {
			final = res
		}
	}

	if final == nil {
		final = engine.CheckTimeout(spec.ID, time.Now())
	}
	if final == nil {
		fmt.Println("proposal still open: quorum not reached and timeout not elapsed")
		return nil
	}

	fmt.Printf("result: status=%s winner=%s tally=%v\n", final.Status, final.Winner, final.Tally)
	return nil
}
