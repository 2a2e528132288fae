package rbac

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCyclicHierarchy indicates the inheritance relation contains a
	// cycle. This is a configuration error detected at load time; queries
	// never run against a cyclic table.
	ErrCyclicHierarchy = errors.New("rbac.hierarchy.cycle")
	// ErrUnknownRole indicates an inheritance edge or grant references a
	// role that was never declared.
	ErrUnknownRole = errors.New("rbac.hierarchy.unknown_role")
	// ErrEmptyHierarchy indicates no roles were declared at all.
	ErrEmptyHierarchy = errors.New("rbac.hierarchy.empty")
)

// Hierarchy is the immutable role inheritance table: each role maps to the
// lower-privilege roles it inherits from, plus the permissions granted
// directly at that level.
type Hierarchy struct {
	inherits map[Role][]Role
	grants   map[Role][]Permission
}

// NewHierarchy validates and freezes an inheritance table. Every role
// referenced by an edge or a grant must appear as a key of inherits, and the
// relation must be acyclic; violations fail fast here rather than at query
// time.
func NewHierarchy(inherits map[Role][]Role, grants map[Role][]Permission) (*Hierarchy, error) {
	if len(inherits) == 0 {
		return nil, fmt.Errorf("rbac.hierarchy.new: %w", ErrEmptyHierarchy)
	}

	clonedInherits := make(map[Role][]Role, len(inherits))
	for role, parents := range inherits {
		clonedInherits[role] = append([]Role(nil), parents...)
	}
	clonedGrants := make(map[Role][]Permission, len(grants))
	for role, permissions := range grants {
		if _, declared := clonedInherits[role]; !declared {
			return nil, fmt.Errorf("rbac.hierarchy.new: %w: grant for %q", ErrUnknownRole, role)
		}
		clonedGrants[role] = append([]Permission(nil), permissions...)
	}
	for role, parents := range clonedInherits {
		for _, parent := range parents {
			if _, declared := clonedInherits[parent]; !declared {
				return nil, fmt.Errorf("rbac.hierarchy.new: %w: %q inherits undeclared %q", ErrUnknownRole, role, parent)
			}
		}
	}

	hierarchy := &Hierarchy{inherits: clonedInherits, grants: clonedGrants}
	if cycleRole, cyclic := hierarchy.findCycle(); cyclic {
		return nil, fmt.Errorf("rbac.hierarchy.new: %w: involving role %q", ErrCyclicHierarchy, cycleRole)
	}
	return hierarchy, nil
}

// Roles returns the declared roles in deterministic order.
func (hierarchy *Hierarchy) Roles() []Role {
	roles := make([]Role, 0, len(hierarchy.inherits))
	for role := range hierarchy.inherits {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(left, right int) bool { return roles[left] < roles[right] })
	return roles
}

// Declared reports whether the role exists in the table.
func (hierarchy *Hierarchy) Declared(role Role) bool {
	_, ok := hierarchy.inherits[role]
	return ok
}

// Closure returns the role itself plus every role it transitively inherits
// from, breadth-first. Undeclared roles yield just themselves so a check
// against a stale role name degrades to an exact-match check.
func (hierarchy *Hierarchy) Closure(role Role) []Role {
	if _, declared := hierarchy.inherits[role]; !declared {
		return []Role{role}
	}
	visited := map[Role]struct{}{role: {}}
	order := []Role{role}
	queue := []Role{role}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, parent := range hierarchy.inherits[current] {
			if _, seen := visited[parent]; seen {
				continue
			}
			visited[parent] = struct{}{}
			order = append(order, parent)
			queue = append(queue, parent)
		}
	}
	return order
}

const (
	colorUnvisited = iota
	colorVisiting
	colorDone
)

// findCycle runs an iterative depth-first search over the inheritance edges.
func (hierarchy *Hierarchy) findCycle() (Role, bool) {
	colors := make(map[Role]int, len(hierarchy.inherits))

	for start := range hierarchy.inherits {
		if colors[start] != colorUnvisited {
			continue
		}
		type frame struct {
			role     Role
			nextEdge int
		}
		stack := []frame{{role: start}}
		colors[start] = colorVisiting
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			parents := hierarchy.inherits[top.role]
			if top.nextEdge >= len(parents) {
				colors[top.role] = colorDone
				stack = stack[:len(stack)-1]
				continue
			}
			next := parents[top.nextEdge]
			top.nextEdge++
			switch colors[next] {
			case colorVisiting:
				return next, true
			case colorUnvisited:
				colors[next] = colorVisiting
				stack = append(stack, frame{role: next})
			}
		}
	}
	return "", false
}
