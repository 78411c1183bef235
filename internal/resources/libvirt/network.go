// Package libvirt reconciles the virtual network and storage pool used by
// Infinibay VMs.
package libvirt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
)

// FallbackNetwork is defined when the host has no libvirt network at all.
const FallbackNetwork = "infinibay"

const virshTimeout = 60 * time.Second

// fallbackNetworkXML is a NAT network on 192.168.122.0/24.
const fallbackNetworkXML = `<network>
  <name>infinibay</name>
  <forward mode='nat'/>
  <bridge name='virbr-infinibay' stp='on' delay='0'/>
  <ip address='192.168.122.1' netmask='255.255.255.0'>
    <dhcp>
      <range start='192.168.122.2' end='192.168.122.254'/>
    </dhcp>
  </ip>
</network>
`

// NetworkInfo is one row of virsh net-list.
type NetworkInfo struct {
	Name      string
	Active    bool
	Autostart bool
}

// ListNetworks parses virsh net-list --all.
func ListNetworks(ctx context.Context, exec executor.Executor) ([]NetworkInfo, error) {
	res, err := virsh(ctx, exec, "net-list", "--all")
	if err := executor.Check(res, err); err != nil {
		return nil, fmt.Errorf("list libvirt networks: %w", err)
	}
	return parseNetList(res.Stdout), nil
}

func parseNetList(out string) []NetworkInfo {
	var nets []NetworkInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] == "Name" || strings.HasPrefix(fields[0], "---") {
			continue
		}
		nets = append(nets, NetworkInfo{
			Name:      fields[0],
			Active:    fields[1] == "active",
			Autostart: fields[2] == "yes",
		})
	}
	return nets
}

// Select picks the network VMs attach to: preferred, then "default", then
// the first active one, then the first listed.
func Select(nets []NetworkInfo, preferred string) (NetworkInfo, bool) {
	if len(nets) == 0 {
		return NetworkInfo{}, false
	}
	for _, want := range []string{preferred, "default"} {
		if want == "" {
			continue
		}
		for _, n := range nets {
			if n.Name == want {
				return n, true
			}
		}
	}
	for _, n := range nets {
		if n.Active {
			return n, true
		}
	}
	return nets[0], true
}

// Network ensures a usable, active libvirt network exists. Selected reports
// the chosen name after a probe.
type Network struct {
	Preferred string
	Exec      executor.Executor

	selected string
}

var (
	_ resource.Resource  = (*Network)(nil)
	_ resource.Describer = (*Network)(nil)
	_ resource.Hinter    = (*Network)(nil)
)

func (n *Network) Name() string { return "libvirt network" }

func (n *Network) Describe() string {
	return fmt.Sprintf("use libvirt network %s (define NAT network %s if none exists)", n.Preferred, FallbackNetwork)
}

func (n *Network) Hints() []string {
	return []string{"virsh net-list --all", "virsh net-start " + n.Selected(), "virsh net-autostart " + n.Selected()}
}

// Selected is the network chosen by the last probe.
func (n *Network) Selected() string {
	if n.selected == "" {
		return n.Preferred
	}
	return n.selected
}

func (n *Network) Probe(ctx context.Context) (resource.Evaluation, error) {
	nets, err := ListNetworks(ctx, n.Exec)
	if err != nil {
		return resource.Evaluation{}, err
	}
	chosen, ok := Select(nets, n.Preferred)
	if !ok {
		return resource.Evaluation{State: resource.Missing, Message: "no libvirt networks defined", Diff: "define " + FallbackNetwork}, nil
	}
	n.selected = chosen.Name
	if !chosen.Active {
		return resource.Evaluation{
			State:   resource.PresentDivergent,
			Message: fmt.Sprintf("network %s is inactive", chosen.Name),
			Diff:    "virsh net-start " + chosen.Name,
		}, nil
	}
	return resource.Evaluation{State: resource.PresentCorrect, Message: fmt.Sprintf("network %s is active", chosen.Name)}, nil
}

func (n *Network) Create(ctx context.Context) error {
	f, err := os.CreateTemp("", "infinibay-network-*.xml")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(fallbackNetworkXML); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	res, err := virsh(ctx, n.Exec, "net-define", f.Name())
	if err := executor.Check(res, err); err != nil {
		return fmt.Errorf("define network %s: %w", FallbackNetwork, err)
	}
	n.selected = FallbackNetwork
	return n.start(ctx, FallbackNetwork)
}

func (n *Network) Update(ctx context.Context) error {
	return n.start(ctx, n.Selected())
}

func (n *Network) start(ctx context.Context, name string) error {
	res, err := virsh(ctx, n.Exec, "net-start", name)
	if err := executor.Check(res, err); err != nil {
		return fmt.Errorf("start network %s: %w", name, err)
	}
	res, err = virsh(ctx, n.Exec, "net-autostart", name)
	if err := executor.Check(res, err); err != nil {
		logger.FromContext(ctx).Warn(fmt.Sprintf("could not mark network %s for autostart: %v", name, err))
	}
	return nil
}

func virsh(ctx context.Context, exec executor.Executor, args ...string) (executor.Result, error) {
	return exec.Execute(ctx, append([]string{"virsh"}, args...), executor.Options{CaptureOutput: true, Timeout: virshTimeout})
}
