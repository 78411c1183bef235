package phases

import (
	"context"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/build"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/artifact"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// Build clones and builds the four projects in dependency order.
type Build struct {
	d       *Deps
	graph   *build.Graph
	planErr error
	builder *build.Builder
}

// NewBuild plans the project graph for d.Config.
func NewBuild(d *Deps) *Build {
	g, err := build.Plan(build.Projects(d.Config))
	return &Build{
		d:       d,
		graph:   g,
		planErr: err,
		builder: &build.Builder{
			Exec:         d.Exec,
			Guard:        d.Ownership,
			Source:       d.Source,
			Observers:    d.Observers,
			Nodes:        d.Nodes,
			RetryOptions: d.RetryOptions,
			Rebuild:      d.Rebuild,
		},
	}
}

func (p *Build) Name() string { return "Build" }

func (p *Build) Describe() []string {
	lines := []string{"Would clone and build repositories"}
	if p.planErr != nil {
		return append(lines, "invalid build graph: "+p.planErr.Error())
	}
	return append(lines, build.Describe(p.graph)...)
}

// Resources lists each project's checkout followed by its artifacts.
func (p *Build) Resources(context.Context) []resource.Resource {
	if p.planErr != nil {
		return nil
	}
	var rs []resource.Resource
	for _, id := range p.graph.Order() {
		proj := p.graph.Project(id)
		if p.builder.Source != nil {
			rs = append(rs, p.builder.Source(proj))
		} else {
			rs = append(rs, build.DefaultSource(proj))
		}
		for _, spec := range proj.Artifacts {
			rs = append(rs, artifact.New(proj.Dir, spec, proj.ArtifactHints...))
		}
	}
	return rs
}

func (p *Build) Run(ctx context.Context) error {
	if p.planErr != nil {
		return apperrors.NewFatalError("plan build", p.planErr, "the project dependency graph is invalid")
	}
	return p.builder.Run(ctx, p.graph)
}
