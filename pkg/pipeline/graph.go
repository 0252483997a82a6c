package pipeline

import "fmt"

// graph holds the validated stage graph and its topological order.
type graph struct {
	stages map[string]Stage
	order  []string
}

// buildGraph validates stage names and dependencies and computes a stable
// topological order: among ready stages, declaration order wins. These are
// configuration errors and are rejected before any work starts.
func buildGraph(stages []Stage) (*graph, error) {
	g := &graph{stages: make(map[string]Stage, len(stages))}

	for _, stage := range stages {
		if stage.Name == "" {
			return nil, fmt.Errorf("stage name is required")
		}
		if _, ok := g.stages[stage.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, stage.Name)
		}
		g.stages[stage.Name] = stage
	}

	for _, stage := range stages {
		for _, dep := range stage.Deps {
			if _, ok := g.stages[dep]; !ok {
				return nil, fmt.Errorf("%w: stage %s depends on %s", ErrUnknownStage, stage.Name, dep)
			}
		}
	}

	// Kahn's algorithm over declaration order.
	indegree := make(map[string]int, len(stages))
	for _, stage := range stages {
		indegree[stage.Name] = len(stage.Deps)
	}

	remaining := len(stages)
	done := make(map[string]bool, len(stages))
	for remaining > 0 {
		progressed := false
		for _, stage := range stages {
			if done[stage.Name] || indegree[stage.Name] != 0 {
				continue
			}
			done[stage.Name] = true
			g.order = append(g.order, stage.Name)
			remaining--
			progressed = true
			for _, other := range stages {
				for _, dep := range other.Deps {
					if dep == stage.Name {
						indegree[other.Name]--
					}
				}
			}
		}
		if !progressed {
			return nil, fmt.Errorf("%w: involving %s", ErrStageCycle, firstUndone(stages, done))
		}
	}

	return g, nil
}

func firstUndone(stages []Stage, done map[string]bool) string {
	for _, stage := range stages {
		if !done[stage.Name] {
			return stage.Name
		}
	}
	return ""
}

// dependents returns every stage that transitively depends on name.
func (g *graph) dependents(name string) []string {
	reached := map[string]bool{name: true}
	var out []string

	// The order slice is already topological, so one pass suffices.
	for _, candidate := range g.order {
		if reached[candidate] {
			continue
		}
		for _, dep := range g.stages[candidate].Deps {
			if reached[dep] {
				reached[candidate] = true
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// orderedSelection returns the requested stages in topological order. An
// empty selection means every stage.
func (g *graph) orderedSelection(selection []string) ([]string, error) {
	if len(selection) == 0 {
		out := make([]string, len(g.order))
		copy(out, g.order)
		return out, nil
	}

	requested := make(map[string]bool, len(selection))
	for _, name := range selection {
		if _, ok := g.stages[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
		}
		requested[name] = true
	}

	var out []string
	for _, name := range g.order {
		if requested[name] {
			out = append(out, name)
		}
	}
	return out, nil
}
