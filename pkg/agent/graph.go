// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"

	"github.com/nexuslabs/nexus/pkg/errors"
)

// TaskID addresses one task inside its graph's arena. IDs are opaque and
// only meaningful against the graph that issued them.
type TaskID int

// TaskSpec declares one task of an agent's work graph.
type TaskSpec struct {
	// Name labels the task in snapshots and logs.
	Name string
	// DependsOn lists tasks that must complete before this one runs.
	// Every id must come from the same graph.
	DependsOn []TaskID
	// Run is the task's first step.
	Run StepFunc
	// Tolerant keeps the owning agent alive when this task fails.
	Tolerant bool
}

type node struct {
	spec TaskSpec
	deps []TaskID
}

// Graph is an arena of task declarations. Tasks can only depend on tasks
// added before them, so a well-formed build cannot introduce a cycle; the
// manager still validates the whole arena at submission and rejects
// malformed graphs before any task runs.
type Graph struct {
	nodes []node
	err   error
}

// NewGraph creates an empty task graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Add appends a task and returns its id. Errors are deferred to Validate
// so builds can chain without checking each call.
func (g *Graph) Add(spec TaskSpec) TaskID {
	id := TaskID(len(g.nodes))
	if g.err == nil {
		if spec.Run == nil {
			g.err = errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("task %q has no body", spec.Name), nil)
		}
		for _, dep := range spec.DependsOn {
			if dep < 0 || int(dep) >= len(g.nodes) {
				g.err = errors.New(errors.CodeInvalidInput,
					fmt.Sprintf("task %q depends on unknown task id %d", spec.Name, dep), nil)
				break
			}
		}
	}
	g.nodes = append(g.nodes, node{spec: spec, deps: append([]TaskID(nil), spec.DependsOn...)})
	return id
}

// Len returns the number of declared tasks.
func (g *Graph) Len() int { return len(g.nodes) }

// Validate checks the arena: at least one task, every dependency in range,
// and no cycles. It runs a topological sort so a graph assembled by hand
// (not through Add ordering) is still rejected eagerly.
func (g *Graph) Validate() error {
	if g.err != nil {
		return g.err
	}
	if len(g.nodes) == 0 {
		return errors.New(errors.CodeInvalidInput, "task graph is empty", nil)
	}

	indegree := make([]int, len(g.nodes))
	for i, n := range g.nodes {
		for _, dep := range n.deps {
			if dep < 0 || int(dep) >= len(g.nodes) || int(dep) == i {
				return errors.New(errors.CodeInvalidInput,
					fmt.Sprintf("task %q has an invalid dependency", n.spec.Name), nil)
			}
			indegree[i]++
		}
	}

	dependents := make([][]int, len(g.nodes))
	for i, n := range g.nodes {
		for _, dep := range n.deps {
			dependents[dep] = append(dependents[dep], i)
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	visited := 0
	for len(ready) > 0 {
		i := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, next := range dependents[i] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited != len(g.nodes) {
		return errors.New(errors.CodeInvalidInput, "task graph contains a cycle", nil)
	}
	return nil
}
