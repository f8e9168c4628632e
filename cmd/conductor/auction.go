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

// AuctionCmd runs a single capability-scored task auction defined by a
// YAML bid file and prints the winning bid.
type AuctionCmd struct {
	Bids string `arg:"" name:"bids" help:"Auction bid file path." placeholder:"PATH"`
}

type bidSpec struct {
	BidderID            string  `yaml:"bidderId"`
	Role                string  `yaml:"role"`
	Capability          float64 `yaml:"capability"`
	Load                float64 `yaml:"load"`
	EstimatedDurationMs int64   `yaml:"estimatedDurationMs"`
}

type auctionSpec struct {
	TaskID          string    `yaml:"taskId"`
	BiddingWindowMs int64     `yaml:"biddingWindowMs"`
	Bids            []bidSpec `yaml:"bids"`
}

func (c *AuctionCmd) Run(cli *CLI) error {
	raw, err := os.ReadFile(c.Bids)
	if err != nil {
		return fmt.Errorf("reading auction %q: %w", c.Bids, err)
	}
	var spec auctionSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("parsing auction %q: %w", c.Bids, err)
	}

	a := negotiation.NewAuction(spec.TaskID, time.Duration(spec.BiddingWindowMs)*time.Millisecond, nil, "cli")
	for _, b := range spec.Bids {
		bid := negotiation.Bid{
			BidderID: b.BidderID, Role: b.Role, Capability: b.Capability,
			Load: b.Load, EstimatedDuration: b.EstimatedDurationMs,
		}
		if bidErr := a.PlaceBid(bid); bidErr != negotiation.BidErrNone {
			fmt.Printf("bid rejected: bidder=%s reason=%s\n", b.BidderID, bidErr)
			continue
		}
		fmt.Printf("bid accepted: bidder=%s capability=%.1f load=%.1f\n", b.BidderID, b.Capability, b.Load)
	}

	res := a.Close()
	if res == nil {
		fmt.Println("auction closed with no valid bids")
		return nil
	}
	fmt.Printf("winner: %s score=%.2f\n", res.WinnerID, res.Score)
	return nil
}
