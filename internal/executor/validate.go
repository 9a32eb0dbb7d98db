package executor

// ValidatePlan enforces spec.md §4.7's plan validation: non-empty
// features/tasks, no circular task dependencies, a positive budget
// estimate, and no two tasks claiming the same output file.
func ValidatePlan(plan Plan) error {
	if len(plan.Features) == 0 {
		return &TaskError{Kind: ErrKindValidation, Reason: "plan has no features"}
	}

	tasks := plan.Tasks()
	if len(tasks) == 0 {
		return &TaskError{Kind: ErrKindValidation, Reason: "plan has no tasks"}
	}

	byID := make(map[string]Task, len(tasks))
	var total float64
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return &TaskError{Kind: ErrKindValidation, TaskID: t.ID, Reason: "duplicate task id"}
		}
		byID[t.ID] = t
		total += t.EstimatedCost
	}
	if total <= 0 {
		return &TaskError{Kind: ErrKindValidation, Reason: "plan's total estimated cost is not positive"}
	}

	if cycle := findDependencyCycle(byID); cycle != "" {
		return &TaskError{Kind: ErrKindCycle, TaskID: cycle, Reason: "circular task dependency"}
	}

	if owner, file := findOutputConflict(tasks); file != "" {
		return &TaskError{Kind: ErrKindConflict, TaskID: owner, Reason: "output file claimed by more than one task: " + file}
	}

	return nil
}

// findDependencyCycle runs a DFS over the task dependency graph, the same
// three-color (visiting/visited) approach the deadlock detector's wait-for
// graph walk uses, adapted to a static DAG instead of a live wait-for graph.
// It returns the id of a task found to sit on a cycle, or "" if the graph is
// acyclic.
func findDependencyCycle(byID map[string]Task) string {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(byID))

	var walk func(id string) bool
	walk = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case visited:
			return false
		}
		state[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; !ok {
				continue // dangling dependency; not this pass's concern
			}
			if walk(dep) {
				return true
			}
		}
		state[id] = visited
		return false
	}

	for id := range byID {
		if state[id] == unvisited && walk(id) {
			return id
		}
	}
	return ""
}

// findOutputConflict reports the first task id and file path where two
// tasks in the plan claim the same output, grounded on the Lock Manager's
// resourceId-uniqueness invariant checked statically instead of dynamically.
func findOutputConflict(tasks []Task) (ownerTaskID, file string) {
	claimed := make(map[string]string, len(tasks))
	for _, t := range tasks {
		for _, f := range t.Outputs {
			if prior, ok := claimed[f]; ok && prior != t.ID {
				return t.ID, f
			}
			claimed[f] = t.ID
		}
	}
	return "", ""
}
