package dispatch

import (
	"errors"
	"sort"

	"github.com/dshills/langgraph-go/research/state"
)

// ErrCyclicPlan is returned when current_tasks contains a dependency
// cycle. Per the dispatcher's DAG-construction responsibility, this is a
// fatal per-iteration error: the iteration is skipped, not the session.
var ErrCyclicPlan = errors.New("cyclic plan: task dependency graph contains a cycle")

// Wave is one topological layer of mutually independent tasks.
type Wave []state.Task

// BuildWaves groups tasks into waves of mutually independent tasks via
// Kahn's algorithm: a wave is the current set of tasks with no
// outstanding (unresolved) dependencies. Between waves the dispatcher
// synchronizes; within a wave tasks run concurrently. Wave order, and
// task order within each wave, is lexicographic by task id so that
// checkpoint contents are reproducible regardless of map iteration order.
func BuildWaves(tasks []state.Task) ([]Wave, error) {
	byID := make(map[string]state.Task, len(tasks))
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)

	for _, t := range tasks {
		byID[t.ID] = t
		if _, ok := indegree[t.ID]; !ok {
			indegree[t.ID] = 0
		}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				// A dependency outside the current task set is treated as
				// already satisfied (e.g. a finding from a prior iteration).
				continue
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	remaining := len(tasks)
	var waves []Wave
	for remaining > 0 {
		var ready []string
		for id, deg := range indegree {
			if deg == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, ErrCyclicPlan
		}
		sort.Strings(ready)

		wave := make(Wave, 0, len(ready))
		for _, id := range ready {
			wave = append(wave, byID[id])
			delete(indegree, id)
			remaining--
		}
		for _, id := range ready {
			for _, dep := range dependents[id] {
				indegree[dep]--
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
