package dispatch

import (
	"sort"
	"strconv"
	"strings"

	"carebot/internal/storage"
)

// VisibleSteps returns the indices (into steps) of the steps the user can
// see now. A step is visible when it is active and either has no parent or
// its parent is completed and itself visible. A missing parent or a cycle
// hides the step.
func VisibleSteps(steps []storage.RoutineStep, completed map[int]bool) []int {
	byID := make(map[int64]int, len(steps))
	for i, st := range steps {
		byID[st.ID] = i
	}

	const (
		unknown = iota
		shown
		hidden
	)
	state := make([]int, len(steps))

	for i := range steps {
		// Walk up the parent chain collecting unresolved dependent steps,
		// stopping at a resolved node or one that resolves on its own.
		var path []int
		onPath := map[int]bool{}
		cycle := false
		for cur := i; state[cur] == unknown; {
			if onPath[cur] {
				cycle = true
				break
			}
			st := steps[cur]
			p, hasParent := byID[st.DependsOn]
			switch {
			case !st.Active, st.DependsOn != 0 && !hasParent:
				state[cur] = hidden
			case st.DependsOn == 0:
				state[cur] = shown
			default:
				path = append(path, cur)
				onPath[cur] = true
				cur = p
			}
		}
		if cycle {
			for _, idx := range path {
				state[idx] = hidden
			}
			continue
		}
		// Each parent on the path is resolved before its child.
		for k := len(path) - 1; k >= 0; k-- {
			idx := path[k]
			p := byID[steps[idx].DependsOn]
			if state[p] == shown && completed[p] {
				state[idx] = shown
			} else {
				state[idx] = hidden
			}
		}
	}

	var out []int
	for i, s := range state {
		if s == shown {
			out = append(out, i)
		}
	}
	return out
}

// ParseCompleted decodes the comma-separated completed step indices kept
// in a routine occurrence note. Indices follow ListRoutineSteps order, which
// is stable because steps are append-only.
func ParseCompleted(note string) map[int]bool {
	out := map[int]bool{}
	for _, part := range strings.Split(note, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && n >= 0 {
			out[n] = true
		}
	}
	return out
}

// FormatCompleted is the inverse of ParseCompleted with sorted indices.
func FormatCompleted(done map[int]bool) string {
	idx := make([]int, 0, len(done))
	for i, ok := range done {
		if ok {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	parts := make([]string, len(idx))
	for k, i := range idx {
		parts[k] = strconv.Itoa(i)
	}
	return strings.Join(parts, ",")
}
