package libvirt

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
)

// DefaultPool is the storage pool name the backend expects.
const DefaultPool = "infinibay"

// Pool is a running, autostarted dir pool rooted at Path.
type Pool struct {
	PoolName string
	Path     string
	Exec     executor.Executor
}

var (
	_ resource.Resource  = (*Pool)(nil)
	_ resource.Describer = (*Pool)(nil)
	_ resource.Hinter    = (*Pool)(nil)
)

func (p *Pool) Name() string { return "storage pool " + p.name() }

func (p *Pool) name() string {
	if p.PoolName == "" {
		return DefaultPool
	}
	return p.PoolName
}

func (p *Pool) Describe() string {
	return fmt.Sprintf("define dir storage pool %s at %s", p.name(), p.Path)
}

func (p *Pool) Hints() []string {
	return []string{"virsh pool-info " + p.name(), "virsh pool-start " + p.name()}
}

// poolInfo holds the fields of virsh pool-info we care about.
type poolInfo struct {
	state     string
	autostart string
}

func parsePoolInfo(out string) poolInfo {
	var info poolInfo
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "State":
			info.state = strings.TrimSpace(value)
		case "Autostart":
			info.autostart = strings.TrimSpace(value)
		}
	}
	return info
}

func (p *Pool) Probe(ctx context.Context) (resource.Evaluation, error) {
	res, err := virsh(ctx, p.Exec, "pool-info", p.name())
	if err != nil {
		return resource.Evaluation{}, err
	}
	if !res.Success {
		return resource.Evaluation{State: resource.Missing, Message: "pool " + p.name() + " is not defined", Diff: p.Describe()}, nil
	}

	info := parsePoolInfo(res.Stdout)
	if info.state != "running" || info.autostart != "yes" {
		return resource.Evaluation{
			State:   resource.PresentDivergent,
			Message: fmt.Sprintf("pool %s is %s (autostart %s)", p.name(), orNone(info.state), orNone(info.autostart)),
			Diff:    "start and autostart " + p.name(),
		}, nil
	}
	return resource.Evaluation{State: resource.PresentCorrect, Message: "pool " + p.name() + " is running"}, nil
}

func (p *Pool) Create(ctx context.Context) error {
	if err := os.MkdirAll(p.Path, 0o755); err != nil {
		return err
	}
	res, err := virsh(ctx, p.Exec, "pool-define-as", p.name(), "dir", "--target", p.Path)
	if err := executor.Check(res, err); err != nil {
		return fmt.Errorf("define pool %s: %w", p.name(), err)
	}
	res, err = virsh(ctx, p.Exec, "pool-build", p.name())
	if err := executor.Check(res, err); err != nil {
		logger.FromContext(ctx).Warn(fmt.Sprintf("pool-build %s: %v", p.name(), err))
	}
	return p.Update(ctx)
}

func (p *Pool) Update(ctx context.Context) error {
	res, err := virsh(ctx, p.Exec, "pool-info", p.name())
	if err != nil {
		return err
	}
	if parsePoolInfo(res.Stdout).state != "running" {
		res, err := virsh(ctx, p.Exec, "pool-start", p.name())
		if err := executor.Check(res, err); err != nil {
			return fmt.Errorf("start pool %s: %w", p.name(), err)
		}
	}
	res, err = virsh(ctx, p.Exec, "pool-autostart", p.name())
	if err := executor.Check(res, err); err != nil {
		return fmt.Errorf("autostart pool %s: %w", p.name(), err)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
