package build

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// Graph is the build plan: the projects by name and the levels they are
// built in. Every project in a level depends only on earlier levels.
type Graph struct {
	projects map[string]*Project
	Levels   [][]string
}

// Project returns the named project, or nil.
func (g *Graph) Project(name string) *Project {
	return g.projects[name]
}

// Plan validates the projects' DependsOn lists and groups the projects into
// levels. A level holds every project whose dependencies are all built by
// the levels before it, sorted by name so the order is stable.
func Plan(projects []*Project) (*Graph, error) {
	g := &Graph{projects: make(map[string]*Project, len(projects))}
	for _, p := range projects {
		if p == nil {
			return nil, fmt.Errorf("project cannot be nil")
		}
		if _, dup := g.projects[p.Name]; dup {
			return nil, apperrors.NewValidationError("projects", fmt.Sprintf("duplicate project %q", p.Name), nil)
		}
		g.projects[p.Name] = p
	}

	// waiting counts the unbuilt dependencies of each project.
	waiting := make(map[string]int, len(projects))
	unblocks := make(map[string][]string, len(projects))
	for _, p := range projects {
		for _, dep := range p.DependsOn {
			if _, ok := g.projects[dep]; !ok {
				return nil, apperrors.NewValidationError("projects", fmt.Sprintf("%s depends on unknown project %q", p.Name, dep), nil)
			}
			waiting[p.Name]++
			unblocks[dep] = append(unblocks[dep], p.Name)
		}
	}

	var ready []string
	for name := range g.projects {
		if waiting[name] == 0 {
			ready = append(ready, name)
		}
	}

	built := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		g.Levels = append(g.Levels, ready)
		built += len(ready)

		var next []string
		for _, name := range ready {
			for _, dependent := range unblocks[name] {
				if waiting[dependent]--; waiting[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		ready = next
	}

	if built != len(g.projects) {
		var stuck []string
		for name, n := range waiting {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, apperrors.NewValidationError("projects",
			"dependency cycle between "+strings.Join(stuck, ", "), nil)
	}
	return g, nil
}

// Order flattens the levels into the sequential build order.
func (g *Graph) Order() []string {
	var out []string
	for _, level := range g.Levels {
		out = append(out, level...)
	}
	return out
}
