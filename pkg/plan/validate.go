package plan

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxPromptChars bounds subtask prompt length.
const DefaultMaxPromptChars = 20_000

// Validate checks a plan's structure and the acyclicity of its dependency
// graph. maxPromptChars <= 0 uses DefaultMaxPromptChars.
func Validate(p *Plan, maxPromptChars int) error {
	if maxPromptChars <= 0 {
		maxPromptChars = DefaultMaxPromptChars
	}

	if p == nil {
		return invalid("", "plan must be an object")
	}
	if strings.TrimSpace(p.ID()) == "" {
		return invalid("planId", "planId is required")
	}
	if len(p.Subtasks) == 0 {
		return invalid("subtasks", "subtasks must be a non-empty list")
	}

	ids := make(map[string]struct{}, len(p.Subtasks))
	type edge struct{ task, dependsOn string }
	var edges []edge

	for i, st := range p.Subtasks {
		path := fmt.Sprintf("subtasks[%d]", i)

		if strings.TrimSpace(st.ID) == "" {
			return invalid(path+".id", "id is required")
		}
		if _, dup := ids[st.ID]; dup {
			return invalid(path+".id", "duplicate subtask id: %s", st.ID)
		}
		ids[st.ID] = struct{}{}

		if st.Routing != nil && strings.TrimSpace(*st.Routing) == "" {
			return invalid(path+".routing", "routing must be a non-empty string when provided")
		}

		if strings.TrimSpace(st.Prompt) == "" {
			return invalid(path+".prompt", "prompt is required")
		}
		if n := utf8.RuneCountInString(st.Prompt); n > maxPromptChars {
			return invalid(path+".prompt", "prompt too long: %d > %d", n, maxPromptChars)
		}

		for _, d := range st.DependsOn {
			if strings.TrimSpace(d) == "" {
				return invalid(path+".dependsOn", "dependsOn contains invalid id")
			}
			edges = append(edges, edge{task: st.ID, dependsOn: d})
		}
	}

	for _, e := range edges {
		if _, ok := ids[e.dependsOn]; !ok {
			return invalid("subtasks", "subtask %s dependsOn unknown id: %s", e.task, e.dependsOn)
		}
	}

	// Kahn's algorithm on the forward graph depends_on -> task. If the
	// topological count differs from the node count there is a cycle.
	forward := make(map[string][]string, len(ids))
	indeg := make(map[string]int, len(ids))
	for id := range ids {
		indeg[id] = 0
	}
	for _, e := range edges {
		forward[e.dependsOn] = append(forward[e.dependsOn], e.task)
		indeg[e.task]++
	}

	queue := make([]string, 0, len(ids))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		seen++
		for _, next := range forward[cur] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if seen != len(ids) {
		return invalid("subtasks", "dependsOn has a cycle (DAG check failed)")
	}
	return nil
}
