package model

// Plan is a topological layering of workflow steps. Steps within a tier have
// no dependencies on each other.
type Plan struct {
	Tiers [][]string
	Order []string
}

// PlanSteps validates the step graph and orders it with Kahn's algorithm.
// Steps keep their declaration order inside a tier.
func PlanSteps(steps []Step) (*Plan, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return nil, Validationf("step %d has no id", i)
		}
		if _, dup := index[s.ID]; dup {
			return nil, Validationf("duplicate step id %q", s.ID)
		}
		index[s.ID] = i
	}

	dependents := make(map[string][]string, len(steps))
	inDegree := make(map[string]int, len(steps))
	for _, s := range steps {
		inDegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, Validationf("step %q depends on itself", s.ID)
			}
			if _, ok := index[dep]; !ok {
				return nil, Validationf("step %q depends on unknown step %q", s.ID, dep)
			}
			dependents[dep] = append(dependents[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	depth := make(map[string]int, len(steps))
	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range dependents[id] {
			inDegree[next]--
			if d := depth[id] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, Validationf("step dependencies contain a cycle")
	}

	maxDepth := 0
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}
	tiers := make([][]string, maxDepth+1)
	for _, s := range steps {
		d := depth[s.ID]
		tiers[d] = append(tiers[d], s.ID)
	}

	return &Plan{Tiers: tiers, Order: order}, nil
}
