// Package build compiles the source projects in dependency order.
package build

import (
	"fmt"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/artifact"
)

// Step is one command run in the project dir.
type Step struct {
	Name    string
	Argv    []string
	Timeout time.Duration
	Env     map[string]string
	// Hints are remediation commands shown when the step fails.
	Hints []string
}

func (s Step) String() string {
	return executor.FormatCommand(s.Argv)
}

// Project is a node of the build graph.
type Project struct {
	Name      string
	URL       string
	Dir       string
	DependsOn []string

	// Install is the dependency fetch. It is the only retried step.
	Install *Step
	// Steps compile or generate; a failure is fatal.
	Steps []Step
	// Prepare is reconciled after checkout and before Install.
	Prepare []resource.Resource
	// Artifacts must exist before any dependent project is built.
	Artifacts     []artifact.Spec
	ArtifactHints []string
}

// Describe lists what building p would do.
func (p *Project) Describe() []string {
	var lines []string
	for _, r := range p.Prepare {
		lines = append(lines, resource.Describe(r))
	}
	if p.Install != nil {
		lines = append(lines, p.Install.String())
	}
	for _, s := range p.Steps {
		lines = append(lines, s.String())
	}
	if len(p.Artifacts) > 0 {
		paths := make([]string, len(p.Artifacts))
		for i, a := range p.Artifacts {
			paths[i] = a.Path
		}
		lines = append(lines, fmt.Sprintf("verify %s", strings.Join(paths, ", ")))
	}
	return lines
}
