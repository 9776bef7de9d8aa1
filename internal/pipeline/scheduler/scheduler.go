// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package scheduler implements the Parallel Package Pipeline's (C9)
// dependency-graph readiness logic: cycle detection, ready/blocked
// classification, and the all-done predicate the orchestrator polls.
package scheduler

import (
	"errors"
	"fmt"

	"github.com/fbuildd/fbuildd/internal/pipeline/model"
)

// ErrCyclicDependency is fatal for the current pipeline run — no tasks are
// executed when the graph contains a cycle (spec.md §4.9).
var ErrCyclicDependency = errors.New("cyclic dependency detected")

// Graph is one pipeline run's set of tasks, keyed by name.
type Graph struct {
	tasks map[string]*model.Task
	order []string
}

// NewGraph validates every declared dependency exists and the graph is
// acyclic before returning it — spec.md's scheduler contract runs this
// check once, up front, rather than discovering a cycle mid-run.
func NewGraph(tasks []*model.Task) (*Graph, error) {
	byName := make(map[string]*model.Task, len(tasks))
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task name %q", t.Name)
		}
		byName[t.Name] = t
		order = append(order, t.Name)
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("task %q declares unknown dependency %q", t.Name, dep)
			}
		}
	}

	g := &Graph{tasks: byName, order: order}
	if g.hasCycle() {
		return nil, fmt.Errorf("%w", ErrCyclicDependency)
	}
	return g, nil
}

func (g *Graph) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		for _, dep := range g.tasks[name].Dependencies {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[name] = black
		return false
	}

	for _, name := range g.order {
		if color[name] == white {
			if visit(name) {
				return true
			}
		}
	}
	return false
}

// Tasks returns every task in the graph, in declaration order.
func (g *Graph) Tasks() []*model.Task {
	out := make([]*model.Task, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.tasks[name])
	}
	return out
}

// Task looks up one task by name.
func (g *Graph) Task(name string) (*model.Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Ready reports whether t's phase is WAITING and every named dependency is
// DONE.
func (g *Graph) Ready(t *model.Task) bool {
	if t.Phase() != model.Waiting {
		return false
	}
	for _, dep := range t.Dependencies {
		depTask, ok := g.tasks[dep]
		if !ok || depTask.Phase() != model.Done {
			return false
		}
	}
	return true
}

// Blocked reports whether t has any FAILED dependency. A blocked task is
// failed outright rather than ever submitted to a pool.
func (g *Graph) Blocked(t *model.Task) (blocked bool, failedDep string) {
	for _, dep := range t.Dependencies {
		depTask, ok := g.tasks[dep]
		if ok && depTask.Phase() == model.Failed {
			return true, dep
		}
	}
	return false, ""
}

// AllDone reports whether every task in the graph has reached a terminal
// phase (DONE or FAILED).
func (g *Graph) AllDone() bool {
	for _, t := range g.tasks {
		if !t.Phase().Terminal() {
			return false
		}
	}
	return true
}

// ReadyTasks returns every task currently ready to run.
func (g *Graph) ReadyTasks() []*model.Task {
	var out []*model.Task
	for _, name := range g.order {
		t := g.tasks[name]
		if g.Ready(t) {
			out = append(out, t)
		}
	}
	return out
}

// BlockedTasks returns every WAITING task with a FAILED dependency, paired
// with the name of the dependency that blocked it.
func (g *Graph) BlockedTasks() map[*model.Task]string {
	out := make(map[*model.Task]string)
	for _, name := range g.order {
		t := g.tasks[name]
		if t.Phase() != model.Waiting {
			continue
		}
		if blocked, dep := g.Blocked(t); blocked {
			out[t] = dep
		}
	}
	return out
}
