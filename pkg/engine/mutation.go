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

package engine

import (
	"fmt"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/security"
)

// SpawnRequest is a task's request to add a child to the in-flight
// graph, validated and (if accepted) injected by the MutationController.
type SpawnRequest struct {
	ID           string
	Kind         graph.Kind
	AgentHint    string
	AgentRole    string
	Dependencies []string
	Payload      map[string]any
}

// RejectionReason is a stable tag for a denied SpawnRequest, per
// spec.md §4.1.
type RejectionReason string

const (
	RejectionNone              RejectionReason = ""
	RejectionDepthExceeded     RejectionReason = "DEPTH_EXCEEDED"
	RejectionGraphSizeExceeded RejectionReason = "GRAPH_SIZE_EXCEEDED"
	RejectionDuplicateID       RejectionReason = "DUPLICATE_ID"
	RejectionMissingDependency RejectionReason = "MISSING_DEPENDENCY"
	RejectionCycleDetected     RejectionReason = "CYCLE_DETECTED"
	RejectionRBACDenied        RejectionReason = "RBAC_DENIED"
	RejectionRBACUnknownRole   RejectionReason = "RBAC_UNKNOWN_ROLE"
)

// MutationController validates and applies SpawnRequests against the
// live graph, per spec.md §4.1's acceptance rules, run in the exact
// order listed there: depth, size, duplicate id, missing dependency,
// acyclicity, then (if enforced) RBAC.
type MutationController struct {
	policy   config.MutationPolicy
	security *security.Gate
}

// NewMutationController creates a controller. security may be nil only
// if policy.EnforceRBAC is false.
func NewMutationController(policy config.MutationPolicy, gate *security.Gate) *MutationController {
	policy.SetDefaults()
	return &MutationController{policy: policy, security: gate}
}

// Validate runs the acceptance chain without mutating g, returning the
// rejection reason (or RejectionNone if the request would be accepted).
func (c *MutationController) Validate(g *graph.Graph, parent *graph.Task, req SpawnRequest) RejectionReason {
	if parent.Depth()+1 > c.policy.MaxDepth {
		return RejectionDepthExceeded
	}
	if g.Len() >= c.policy.MaxGraphSize {
		return RejectionGraphSizeExceeded
	}
	if g.Has(req.ID) {
		return RejectionDuplicateID
	}

	deps := req.Dependencies
	if len(deps) == 0 {
		deps = []string{parent.ID()}
	}
	for _, dep := range deps {
		if !g.Has(dep) {
			return RejectionMissingDependency
		}
	}

	probe := g.CopyForMutationCheck()
	probe.Add(graph.NewTask(req.ID, req.Kind, req.AgentHint, deps, nil))
	if cycle := probe.DetectCycle(); len(cycle) > 0 {
		return RejectionCycleDetected
	}

	if c.policy.EnforceRBAC {
		required, hasRequirement := c.security.RequiredPermission(req.Kind)
		if hasRequirement {
			if !c.security.KnownRole(req.AgentRole) {
				return RejectionRBACUnknownRole
			}
			if !c.security.RoleHasPermission(req.AgentRole, required) {
				return RejectionRBACDenied
			}
		}
	}

	return RejectionNone
}

// Accept validates req and, if accepted, builds and inserts the child
// task (depth = parent.Depth()+1, parentId = parent.ID(), payload
// augmented with ReservedParentContextKey). Returns the inserted task
// and RejectionNone on success, or nil and the rejection reason.
func (c *MutationController) Accept(g *graph.Graph, parent *graph.Task, req SpawnRequest) (*graph.Task, RejectionReason) {
	reason := c.Validate(g, parent, req)
	if reason != RejectionNone {
		return nil, reason
	}

	deps := req.Dependencies
	if len(deps) == 0 {
		deps = []string{parent.ID()}
	}

	payload := req.Payload
	if payload == nil {
		payload = make(map[string]any)
	}
	parentResult := parent.Result()
	stdout := ""
	if parentResult != nil {
		stdout = truncate(parentResult.Stdout, 2048)
	}
	payload[graph.ReservedParentContextKey] = graph.ParentContext{
		ParentID:        parent.ID(),
		TruncatedStdout: stdout,
	}

	child := graph.NewChildTask(req.ID, req.Kind, req.AgentHint, deps, payload, parent)
	g.Add(child)
	return child, RejectionNone
}

// reactiveKinds are the task kinds whose failure may trigger reactive
// mutation, per spec.md §4.1.
var reactiveKinds = map[graph.Kind]struct{}{
	graph.KindAudit:  {},
	graph.KindReview: {},
}

// ReactiveCandidate reports whether failed is eligible for reactive
// mutation (an AUDIT or REVIEW task that just reached FAILED).
func ReactiveCandidate(failed *graph.Task) bool {
	_, ok := reactiveKinds[failed.Kind()]
	return ok && failed.Status() == graph.StatusFailed
}

// SpawnReactiveChildren synthesises a RESEARCH task followed by a PLAN
// task (depending on the RESEARCH task) under failed, both carrying
// ReservedReactiveContextKey with the supplied rejection/failure
// reason. Same depth/size/cycle/RBAC checks apply as any other spawn;
// the PLAN child is only inserted if the RESEARCH child was accepted.
func (c *MutationController) SpawnReactiveChildren(g *graph.Graph, failed *graph.Task, agentHint, agentRole, reason string) ([]*graph.Task, error) {
	if !ReactiveCandidate(failed) {
		return nil, fmt.Errorf("task %s is not a reactive-mutation candidate", failed.ID())
	}

	researchReq := SpawnRequest{
		ID:        failed.ID() + "-reactive-research",
		Kind:      graph.KindResearch,
		AgentHint: agentHint,
		AgentRole: agentRole,
		Payload:   map[string]any{graph.ReservedReactiveContextKey: reason},
	}
	research, rr := c.Accept(g, failed, researchReq)
	if rr != RejectionNone {
		return nil, fmt.Errorf("reactive RESEARCH spawn rejected: %s", rr)
	}

	planReq := SpawnRequest{
		ID:           failed.ID() + "-reactive-plan",
		Kind:         graph.KindPlan,
		AgentHint:    agentHint,
		AgentRole:    agentRole,
		Dependencies: []string{research.ID()},
		Payload:      map[string]any{graph.ReservedReactiveContextKey: reason},
	}
	plan, pr := c.Accept(g, failed, planReq)
	if pr != RejectionNone {
		return []*graph.Task{research}, fmt.Errorf("reactive PLAN spawn rejected: %s", pr)
	}

	return []*graph.Task{research, plan}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
